package database

// RetryAfterUnlock runs attempt. If it fails, unlock runs once and attempt is
// retried; the retry's result is returned. unlock's own failure is ignored:
// it only makes the retry more likely to succeed.
func RetryAfterUnlock(attempt, unlock func() error) (retried bool, err error) {
	if err := attempt(); err == nil {
		return false, nil
	}
	_ = unlock()
	return true, attempt()
}
