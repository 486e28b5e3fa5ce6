package message

// Serializable is implemented by payloads that can be written
// as raw bytes by the egress handlers.
type Serializable interface {
	// GetBytes returns the bytes of the payload.
	GetBytes() []byte
}

// Resettable is implemented by payloads that want to clear
// their previous content when a slot is claimed again.
type Resettable interface {
	// Reset clears the payload, keeping its allocated memory.
	Reset()
}
