// Package directory is an in-memory friends and groups store feeding the
// session manager with approved targets and their changes.
package directory

import (
	"fmt"
	"log/slog"
	"peer-chat/contract"
	"peer-chat/domain"
	"peer-chat/errors"
	"peer-chat/runtime"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type RequestStatus string

const (
	Pending  RequestStatus = "pending"
	Accepted RequestStatus = "accepted"
	Rejected RequestStatus = "rejected"
)

type Request struct {
	ID        string
	From      string
	To        string
	Status    RequestStatus
	CreatedAt time.Time
}

type group struct {
	id      string
	name    string
	creator string
	public  bool
	members []string
}

// GroupInfo describes a group as listed to users who are not members yet.
type GroupInfo struct {
	ID      string
	Name    string
	Creator string
	Public  bool
	Members []string
}

func (g *group) info() GroupInfo {
	return GroupInfo{ID: g.id, Name: g.name, Creator: g.creator, Public: g.public, Members: slices.Clone(g.members)}
}

func (g *group) target() domain.ChatTarget {
	return domain.NewGroup(g.id, g.creator, slices.Clone(g.members)...)
}

// Memory implements contract.IDirectory. With ExplicitApproval a friend
// request waits for the addressee; with AutoApproval both sides are
// befriended immediately.
type Memory struct {
	mu       sync.Mutex
	policy   domain.ApprovalPolicy
	log      *slog.Logger
	friends  map[string]map[string]struct{}
	requests map[string]*Request
	groups   map[string]*group
	watchers map[string]map[*runtime.Mailbox[domain.DirectoryEvent]]struct{}
}

var _ contract.IDirectory = (*Memory)(nil)

func NewMemory(policy domain.ApprovalPolicy, log *slog.Logger) *Memory {
	if policy != domain.AutoApproval {
		policy = domain.ExplicitApproval
	}
	return &Memory{
		policy:   policy,
		log:      log,
		friends:  make(map[string]map[string]struct{}),
		requests: make(map[string]*Request),
		groups:   make(map[string]*group),
		watchers: make(map[string]map[*runtime.Mailbox[domain.DirectoryEvent]]struct{}),
	}
}

func (d *Memory) Policy() domain.ApprovalPolicy {
	return d.policy
}

// Targets returns the friends and groups of userID sorted by id.
func (d *Memory) Targets(userID string) []domain.ChatTarget {
	d.mu.Lock()
	defer d.mu.Unlock()
	targets := lo.Map(lo.Keys(d.friends[userID]), func(friend string, _ int) domain.ChatTarget {
		return domain.NewIndividual(friend)
	})
	for _, g := range d.groups {
		if slices.Contains(g.members, userID) {
			targets = append(targets, g.target())
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets
}

// Watch streams the directory changes concerning userID until stop is called.
func (d *Memory) Watch(userID string) (<-chan domain.DirectoryEvent, func()) {
	box := runtime.NewMailbox[domain.DirectoryEvent]()
	d.mu.Lock()
	if _, ok := d.watchers[userID]; !ok {
		d.watchers[userID] = make(map[*runtime.Mailbox[domain.DirectoryEvent]]struct{})
	}
	d.watchers[userID][box] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.watchers[userID], box)
			if len(d.watchers[userID]) == 0 {
				delete(d.watchers, userID)
			}
			d.mu.Unlock()
			box.Stop()
		})
	}
	return box.Out(), stop
}

func (d *Memory) notifyLocked(userID string, evt domain.DirectoryEvent) {
	for box := range d.watchers[userID] {
		box.Push(evt)
	}
}

func (d *Memory) RequestFriend(from, to string) (Request, error) {
	if from == to {
		return Request{}, errors.ErrSelfRequest
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	req := &Request{ID: uuid.NewString(), From: from, To: to, Status: Pending, CreatedAt: time.Now().UTC()}
	d.requests[req.ID] = req
	if d.policy == domain.AutoApproval {
		req.Status = Accepted
		d.befriendLocked(from, to)
	}
	d.log.Info("Friend request", "from", from, "to", to, "status", req.Status)
	return *req, nil
}

// Requests returns the pending requests addressed to userID.
func (d *Memory) Requests(userID string) []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	pending := lo.FilterMap(lo.Values(d.requests), func(r *Request, _ int) (Request, bool) {
		return *r, r.To == userID && r.Status == Pending
	})
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	return pending
}

func (d *Memory) Accept(userID, requestID string) error {
	return d.answer(userID, requestID, Accepted)
}

func (d *Memory) Reject(userID, requestID string) error {
	return d.answer(userID, requestID, Rejected)
}

func (d *Memory) answer(userID, requestID string, status RequestStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.requests[requestID]
	if !ok || req.To != userID || req.Status != Pending {
		return fmt.Errorf("%w: %s", errors.ErrRequestNotFound, requestID)
	}
	req.Status = status
	if status == Accepted {
		d.befriendLocked(req.From, req.To)
	}
	return nil
}

func (d *Memory) befriendLocked(a, b string) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		self, friend := pair[0], pair[1]
		if _, ok := d.friends[self]; !ok {
			d.friends[self] = make(map[string]struct{})
		}
		if _, ok := d.friends[self][friend]; ok {
			continue
		}
		d.friends[self][friend] = struct{}{}
		d.notifyLocked(self, domain.DirectoryEvent{Kind: domain.TargetApproved, Target: domain.NewIndividual(friend)})
	}
}

// RemoveFriend ends the friendship on both sides.
func (d *Memory) RemoveFriend(userID, friend string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.friends[userID][friend]; !ok {
		return fmt.Errorf("%w: %s", errors.ErrUnknownTarget, friend)
	}
	for _, pair := range [][2]string{{userID, friend}, {friend, userID}} {
		delete(d.friends[pair[0]], pair[1])
		d.notifyLocked(pair[0], domain.DirectoryEvent{Kind: domain.TargetRemoved, Target: domain.NewIndividual(pair[1])})
	}
	return nil
}

// CreateGroup registers a new group. Anyone may join a public group, a
// private one is entered on invitation only.
func (d *Memory) CreateGroup(creator, name string, public bool) domain.ChatTarget {
	return d.AddGroup(uuid.NewString(), name, creator, public)
}

// AddGroup registers a group under a known id, used when several processes
// must agree on it. An existing group is returned unchanged.
func (d *Memory) AddGroup(groupID, name, creator string, public bool, members ...string) domain.ChatTarget {
	d.mu.Lock()
	defer d.mu.Unlock()
	if g, ok := d.groups[groupID]; ok {
		return g.target()
	}
	g := &group{id: groupID, name: name, creator: creator, public: public, members: lo.Uniq(append([]string{creator}, members...))}
	d.groups[g.id] = g
	target := g.target()
	for _, member := range g.members {
		d.notifyLocked(member, domain.DirectoryEvent{Kind: domain.TargetApproved, Target: target})
	}
	d.log.Info("Group created", "group", g.id, "name", name, "creator", creator, "public", public)
	return target
}

func (d *Memory) GroupName(groupID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[groupID]
	if !ok {
		return "", false
	}
	return g.name, true
}

// PublicGroups lists the groups anyone may join, sorted by id.
func (d *Memory) PublicGroups() []GroupInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	groups := lo.FilterMap(lo.Values(d.groups), func(g *group, _ int) (GroupInfo, bool) {
		return g.info(), g.public
	})
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups
}

func (d *Memory) JoinGroup(groupID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: group %s", errors.ErrUnknownTarget, groupID)
	}
	if slices.Contains(g.members, userID) {
		return nil
	}
	if !g.public {
		return fmt.Errorf("%w: %s", errors.ErrPrivateGroup, groupID)
	}
	d.addMemberLocked(g, userID)
	return nil
}

// Invite adds member to a group on behalf of one of its members.
func (d *Memory) Invite(groupID, by, member string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: group %s", errors.ErrUnknownTarget, groupID)
	}
	if !slices.Contains(g.members, by) {
		return fmt.Errorf("%w: %s in %s", errors.ErrNotGroupMember, by, groupID)
	}
	if slices.Contains(g.members, member) {
		return nil
	}
	d.addMemberLocked(g, member)
	return nil
}

func (d *Memory) addMemberLocked(g *group, userID string) {
	g.members = append(g.members, userID)
	d.notifyLocked(userID, domain.DirectoryEvent{Kind: domain.TargetApproved, Target: g.target()})
	d.membersChangedLocked(g, userID)
}

func (d *Memory) LeaveGroup(groupID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropMemberLocked(groupID, userID)
}

// Kick removes member from the group. Only the creator may kick.
func (d *Memory) Kick(groupID, by, member string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: group %s", errors.ErrUnknownTarget, groupID)
	}
	if g.creator != by {
		return fmt.Errorf("%w: %s", errors.ErrNotGroupCreator, groupID)
	}
	return d.dropMemberLocked(groupID, member)
}

func (d *Memory) dropMemberLocked(groupID, userID string) error {
	g, ok := d.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: group %s", errors.ErrUnknownTarget, groupID)
	}
	if !slices.Contains(g.members, userID) {
		return fmt.Errorf("%w: %s in %s", errors.ErrNotGroupMember, userID, groupID)
	}
	g.members = slices.DeleteFunc(g.members, func(m string) bool { return m == userID })
	d.notifyLocked(userID, domain.DirectoryEvent{Kind: domain.GroupLeft, Target: g.target()})
	d.membersChangedLocked(g, userID)
	return nil
}

func (d *Memory) membersChangedLocked(g *group, except string) {
	for _, member := range g.members {
		if member != except {
			d.notifyLocked(member, domain.DirectoryEvent{Kind: domain.MembersChanged, Target: g.target()})
		}
	}
}
