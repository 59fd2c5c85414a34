package notes

import "github.com/google/uuid"

// uuidV7Provider issues time-ordered identifiers so note ids sort roughly by creation.
type uuidV7Provider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return uuidV7Provider{}
}

func (uuidV7Provider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
