// Package protocol defines the cleanup ticket handed from a process that owns
// a resource to the detached watcher process that reclaims it.
//
// A ticket travels only as command-line arguments, so it must carry everything
// the watcher needs: the command kind, the resource identifiers and the
// process id to wait for.
package protocol

import (
	"fmt"
	"strconv"

	"github.com/kballard/go-shellquote"

	"stagehand/pkg/errdefs"
)

// Kind names a dispatcher command.
type Kind string

// Dispatcher commands. The names are part of the wire format.
const (
	KindCleanupStaging Kind = "CleanupTempWebFolder"
	KindDeleteDatabase Kind = "DeleteLocalDbDatabase"
)

// NoWait is the process id sentinel meaning "tear down immediately".
const NoWait = -1

// resourceArgs is the number of resource identifiers each kind carries,
// not counting the trailing process id.
var resourceArgs = map[Kind]int{
	KindCleanupStaging: 1, // staging dir
	KindDeleteDatabase: 3, // master dsn, name, path
}

// Ticket is a self-sufficient cleanup request.
type Ticket struct {
	Kind      Kind     `json:"kind"`
	Resources []string `json:"resources"`
	WaitPID   int      `json:"wait_pid"`
}

// CleanupStaging returns a ticket that removes a staging directory once pid exits.
func CleanupStaging(dir string, pid int) Ticket {
	return Ticket{Kind: KindCleanupStaging, Resources: []string{dir}, WaitPID: pid}
}

// DeleteDatabase returns a ticket that deletes a database once pid exits.
func DeleteDatabase(masterDSN, name, path string, pid int) Ticket {
	return Ticket{Kind: KindDeleteDatabase, Resources: []string{masterDSN, name, path}, WaitPID: pid}
}

// ShouldWait reports whether the watcher must wait for a process first.
func (t Ticket) ShouldWait() bool {
	return t.WaitPID != NoWait && t.WaitPID > 0
}

// Validate checks the ticket shape against its kind.
func (t Ticket) Validate() error {
	want, ok := resourceArgs[t.Kind]
	if !ok {
		return errdefs.Newf(errdefs.CodeUnknownCommand, "unknown command %q", t.Kind)
	}
	if len(t.Resources) != want {
		return errdefs.Newf(errdefs.CodeInvalidTicket, "%s takes %d resource arguments, got %d",
			t.Kind, want, len(t.Resources))
	}
	for i, r := range t.Resources {
		if r == "" {
			return errdefs.Newf(errdefs.CodeInvalidTicket, "%s: resource argument %d is empty", t.Kind, i)
		}
	}
	if t.WaitPID < NoWait {
		return errdefs.Newf(errdefs.CodeInvalidTicket, "%s: invalid process id %d", t.Kind, t.WaitPID)
	}
	return nil
}

// Args renders the ticket as dispatcher arguments:
// [kind, resources..., pid].
func (t Ticket) Args() []string {
	args := make([]string, 0, len(t.Resources)+2)
	args = append(args, string(t.Kind))
	args = append(args, t.Resources...)
	args = append(args, strconv.Itoa(t.WaitPID))
	return args
}

// CommandLine renders the arguments as one shell-quoted string that can be
// pasted after the dispatcher command to re-run the ticket by hand.
func (t Ticket) CommandLine() string {
	return shellquote.Join(t.Args()...)
}

// Parse reads a ticket from dispatcher arguments.
func Parse(args []string) (Ticket, error) {
	if len(args) == 0 {
		return Ticket{}, errdefs.New(errdefs.CodeInvalidTicket, "no command given")
	}

	t := Ticket{Kind: Kind(args[0])}
	want, ok := resourceArgs[t.Kind]
	if !ok {
		return Ticket{}, errdefs.Newf(errdefs.CodeUnknownCommand, "unknown command %q", args[0])
	}
	if len(args) != want+2 {
		return Ticket{}, errdefs.Newf(errdefs.CodeInvalidTicket, "%s expects %d arguments, got %d",
			t.Kind, want+1, len(args)-1)
	}

	t.Resources = append([]string(nil), args[1:want+1]...)
	pid, err := strconv.Atoi(args[want+1])
	if err != nil {
		return Ticket{}, errdefs.Newf(errdefs.CodeInvalidTicket, "%s: bad process id %q", t.Kind, args[want+1]).
			WithCause(err)
	}
	t.WaitPID = pid

	if err := t.Validate(); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

func (t Ticket) String() string {
	return fmt.Sprintf("%s(%v, pid=%d)", t.Kind, t.Resources, t.WaitPID)
}
