package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRepositoriesWiresEveryStore(t *testing.T) {
	repos := NewRepositories(nil)

	assert.NotNil(t, repos.Payment)
	assert.NotNil(t, repos.Session)
	assert.NotNil(t, repos.User)
	assert.NotNil(t, repos.Audit)
}
