package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUser_CanTrade(t *testing.T) {
	assert.True(t, (&User{IsActive: true}).CanTrade())
	assert.False(t, (&User{IsActive: false}).CanTrade())
	assert.False(t, (&User{IsActive: true, IsBlocked: true}).CanTrade())
}

func TestBalance_Total(t *testing.T) {
	b := &Balance{Available: dec(t, "10"), Reserved: dec(t, "2.5")}
	assert.True(t, b.Total().Equal(dec(t, "12.5")))
}
