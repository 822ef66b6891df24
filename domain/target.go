package domain

import "slices"

type TargetKind string

const (
	Individual TargetKind = "INDIVIDUAL"
	Group      TargetKind = "GROUP"
)

// ChatTarget is the individual or group a local user is chatting with.
// Individual targets are keyed by the counterparty's stable address,
// groups by a globally unique id.
type ChatTarget struct {
	ID      string
	Kind    TargetKind
	Members []string
	Creator string
}

func NewIndividual(address string) ChatTarget {
	return ChatTarget{ID: address, Kind: Individual}
}

func NewGroup(id, creator string, members ...string) ChatTarget {
	return ChatTarget{ID: id, Kind: Group, Creator: creator, Members: members}
}

func (t ChatTarget) IsGroup() bool {
	return t.Kind == Group
}

func (t ChatTarget) HasMember(userID string) bool {
	return slices.Contains(t.Members, userID)
}
