// Package configpatch edits the two XML configuration documents a hosted web
// application needs: the application settings document (Web.config) and the
// host bindings document (applicationhost.config).
//
// Patches operate on an in-memory *etree.Document and never touch disk.
// Untouched elements, attributes and their order are preserved.
package configpatch

import (
	"sort"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"stagehand/pkg/errdefs"
)

// Endpoints holds optional binding overrides. Nil fields and an empty host
// leave the corresponding binding part unchanged.
type Endpoints struct {
	Host      string
	HTTPPort  *int
	HTTPSPort *int
}

// IsZero reports whether no override is set.
func (e Endpoints) IsZero() bool {
	return e.Host == "" && e.HTTPPort == nil && e.HTTPSPort == nil
}

// port returns the override for a binding protocol, if any.
func (e Endpoints) port(protocol string) *int {
	switch protocol {
	case "http":
		return e.HTTPPort
	case "https":
		return e.HTTPSPort
	}
	return nil
}

// Parse reads an XML document.
func Parse(data []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, errdefs.New(errdefs.CodeInvalidDocument, "parse configuration document").WithCause(err)
	}
	return doc, nil
}

// Serialize writes doc back to bytes.
func Serialize(doc *etree.Document) ([]byte, error) {
	data, err := doc.WriteToBytes()
	if err != nil {
		return nil, errdefs.New(errdefs.CodeInvalidDocument, "serialize configuration document").WithCause(err)
	}
	return data, nil
}

func configurationRoot(doc *etree.Document) (*etree.Element, error) {
	root := doc.Root()
	if root == nil || root.Tag != "configuration" {
		return nil, errdefs.New(errdefs.CodeMissingConfiguration, "configuration element not found")
	}
	return root, nil
}

// PatchAppSettings merges overrides into configuration/appSettings. Existing
// keys are rewritten in place and missing keys are appended in sorted order.
// The appSettings element is only required when overrides is non-empty.
func PatchAppSettings(doc *etree.Document, overrides map[string]string) error {
	root, err := configurationRoot(doc)
	if err != nil {
		return err
	}
	if len(overrides) == 0 {
		return nil
	}

	settings := root.SelectElement("appSettings")
	if settings == nil {
		return errdefs.New(errdefs.CodeMissingAppSettings, "appSettings element not found")
	}

	found := make(map[string]bool, len(overrides))
	for _, add := range settings.SelectElements("add") {
		key := add.SelectAttrValue("key", "")
		if value, ok := overrides[key]; ok {
			add.CreateAttr("value", value)
			found[key] = true
		}
	}

	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		if !found[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		add := settings.CreateElement("add")
		add.CreateAttr("key", key)
		add.CreateAttr("value", overrides[key])
	}
	return nil
}

// PatchHostBindings keeps only the site named siteName, points the root
// virtual directory of its root application at physicalPath and applies endpoint overrides to its http and
// https bindings.
func PatchHostBindings(doc *etree.Document, siteName string, endpoints Endpoints, physicalPath string) error {
	root, err := configurationRoot(doc)
	if err != nil {
		return err
	}

	var sites *etree.Element
	if host := root.SelectElement("system.applicationHost"); host != nil {
		sites = host.SelectElement("sites")
	}
	if sites == nil {
		return errdefs.New(errdefs.CodeMissingSites, "sites element not found")
	}

	var site *etree.Element
	var others []*etree.Element
	for _, candidate := range sites.SelectElements("site") {
		if site == nil && candidate.SelectAttrValue("name", "") == siteName {
			site = candidate
			continue
		}
		others = append(others, candidate)
	}
	if site == nil {
		return errdefs.New(errdefs.CodeMissingSite, "site element not found").
			WithContext("name", siteName)
	}
	for _, other := range others {
		sites.RemoveChild(other)
	}

	application := rootElement(site, "application")
	if application == nil {
		return errdefs.New(errdefs.CodeMissingApplication, "application element not found").
			WithContext("name", siteName)
	}
	vdir := rootElement(application, "virtualDirectory")
	if vdir == nil {
		return errdefs.New(errdefs.CodeMissingVirtualDirectory, "virtualDirectory element not found").
			WithContext("name", siteName)
	}
	vdir.CreateAttr("physicalPath", physicalPath)

	if endpoints.IsZero() {
		return nil
	}

	bindings := site.SelectElement("bindings")
	if bindings == nil {
		return errdefs.New(errdefs.CodeMissingBindings, "bindings element not found").
			WithContext("name", siteName)
	}
	for _, binding := range bindings.SelectElements("binding") {
		protocol := binding.SelectAttrValue("protocol", "")
		if protocol != "http" && protocol != "https" {
			continue
		}
		info := binding.SelectAttr("bindingInformation")
		if info == nil {
			continue
		}
		if patched, changed := RewriteBinding(info.Value, protocol, endpoints); changed {
			info.Value = patched
		}
	}
	return nil
}

// rootElement returns the child tag of parent whose path is "/", or the first
// such child when none is rooted.
func rootElement(parent *etree.Element, tag string) *etree.Element {
	children := parent.SelectElements(tag)
	for _, child := range children {
		if child.SelectAttrValue("path", "") == "/" {
			return child
		}
	}
	if len(children) == 0 {
		return nil
	}
	return children[0]
}

// RewriteBinding applies endpoint overrides to an "ip:port:host" binding
// string. The port is replaced when the string has at least two parts and an
// override exists for protocol; the host is replaced when it has at least
// three parts. Missing parts are never added.
func RewriteBinding(info, protocol string, endpoints Endpoints) (string, bool) {
	parts := strings.Split(info, ":")
	if len(parts) < 2 {
		return info, false
	}

	changed := false
	if port := endpoints.port(protocol); port != nil {
		parts[1] = strconv.Itoa(*port)
		changed = true
	}
	if len(parts) >= 3 && endpoints.Host != "" {
		parts[2] = endpoints.Host
		changed = true
	}
	if !changed {
		return info, false
	}
	return strings.Join(parts, ":"), true
}

// AppSettings parses src, applies PatchAppSettings and serializes the result.
func AppSettings(src []byte, overrides map[string]string) ([]byte, error) {
	doc, err := Parse(src)
	if err != nil {
		return nil, err
	}
	if err := PatchAppSettings(doc, overrides); err != nil {
		return nil, err
	}
	return Serialize(doc)
}

// HostBindings parses src, applies PatchHostBindings and serializes the result.
func HostBindings(src []byte, siteName string, endpoints Endpoints, physicalPath string) ([]byte, error) {
	doc, err := Parse(src)
	if err != nil {
		return nil, err
	}
	if err := PatchHostBindings(doc, siteName, endpoints, physicalPath); err != nil {
		return nil, err
	}
	return Serialize(doc)
}
