package domain

type DirectoryEventKind string

const (
	TargetApproved DirectoryEventKind = "APPROVED"
	TargetRemoved  DirectoryEventKind = "REMOVED"
	GroupLeft      DirectoryEventKind = "LEFT"
	MembersChanged DirectoryEventKind = "MEMBERS_CHANGED"
)

// DirectoryEvent is an authorization change published by the directory.
// Target is fully populated for Approved and MembersChanged, only its ID
// is meaningful for Removed and Left.
type DirectoryEvent struct {
	Kind   DirectoryEventKind
	Target ChatTarget
}

type ApprovalPolicy string

const (
	// ExplicitApproval requires the addressee to accept a friend request.
	ExplicitApproval ApprovalPolicy = "explicit"
	// AutoApproval befriends both sides as soon as a request is sent.
	AutoApproval ApprovalPolicy = "auto"
)
