package utils

import (
	"errors"

	"gorm.io/gorm"
)

var ErrorRecordNotFound = errors.New("record not found")

// IsRecordNotFound normalizes "row does not exist" across our own sentinel
// and gorm's.
func IsRecordNotFound(err error) bool {
	return errors.Is(err, ErrorRecordNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
