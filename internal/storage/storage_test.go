package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPersistenceError_Error(t *testing.T) {
	cause := errors.New("database is locked")

	assert.Equal(t, "persistence error during save of transfer abc: database is locked",
		(&PersistenceError{Op: "save", ID: "abc", Err: cause}).Error())
	assert.Equal(t, "persistence error during delete_all: database is locked",
		(&PersistenceError{Op: "delete_all", Err: cause}).Error())
}

func TestWrap(t *testing.T) {
	cause := errors.New("boom")

	assert.NoError(t, Wrap("save", "a", nil))

	err := Wrap("save", "a", cause)
	assert.ErrorIs(t, err, cause)

	var pe *PersistenceError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, "a", pe.ID)

	assert.Same(t, err, Wrap("delete", "b", err), "already wrapped errors are returned unchanged")
}
