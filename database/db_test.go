package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateUUIDWithSuffix(t *testing.T) {
	id := GenerateUUIDWithSuffix("cmp")

	assert.True(t, strings.HasPrefix(id, "cmp_"))
	assert.NotEqual(t, id, GenerateUUIDWithSuffix("cmp"))
}

func TestConnectDB_Failure(t *testing.T) {
	// Provide an invalid DNS string to simulate a failure
	invalidDNS := "invalid-dns"

	db, err := ConnectDB(invalidDNS)
	assert.Error(t, err)
	assert.Nil(t, db)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(assert.AnError))
	assert.True(t, isUniqueViolation(uniqueViolationErr()))
}
