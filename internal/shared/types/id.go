package types

import "github.com/google/uuid"

// ID is a UUID wrapper used to reference a served prediction in logs and responses
type ID string

// NewID generates a new random ID
func NewID() ID {
	return ID(uuid.New().String())
}

func (id ID) String() string {
	return string(id)
}
