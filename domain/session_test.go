package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRoleFor_Smaller_Identifier_Initiates(t *testing.T) {
	req := require.New(t)

	req.Equal(Initiator, RoleFor("0xAAA", "0xBBB"))
	req.Equal(Responder, RoleFor("0xBBB", "0xAAA"))
	req.Equal(SignalingOut, SignalingState(RoleFor("0xAAA", "0xBBB")))
	req.Equal(SignalingIn, SignalingState(RoleFor("0xBBB", "0xAAA")))
}

func TestRoleFor_Is_Symmetric(t *testing.T) {
	req := require.New(t)

	// Given many random pairs of distinct identifiers
	for i := 0; i < 500; i++ {
		a, b := uuid.NewString(), uuid.NewString()
		if a == b {
			continue
		}
		// Then exactly one side is the initiator
		if RoleFor(a, b) == Initiator {
			req.Equal(Responder, RoleFor(b, a), "pair %s %s", a, b)
		} else {
			req.Equal(Initiator, RoleFor(b, a), "pair %s %s", a, b)
		}
	}
}

func TestState_IsSignaling(t *testing.T) {
	req := require.New(t)
	req.True(SignalingOut.IsSignaling())
	req.True(SignalingIn.IsSignaling())
	req.False(Idle.IsSignaling())
	req.False(Connected.IsSignaling())
	req.False(Closed.IsSignaling())
}
