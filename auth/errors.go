package auth

// AuthenticationFailed is returned when an API request cannot be
// authenticated. Reason is safe to log but not to return to the caller.
type AuthenticationFailed struct {
	Reason string
}

func (t *AuthenticationFailed) Error() string {
	return t.Reason
}
