package server

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// MaxChannelCapacity is the member limit of every channel.
const MaxChannelCapacity = 50

// MaxModerators caps the moderator list of every channel.
const MaxModerators = 5

// Channel name constraints: 1-64 bytes at creation, 6-24 on rename.
const (
	MinChannelNameLen = 1
	MaxChannelNameLen = 64
	MinRenameLen      = 6
	MaxRenameLen      = 24
)

// JoinResult is the outcome of a join attempt.
type JoinResult int

const (
	JoinSuccess JoinResult = iota
	JoinBanned
	JoinSecret
	JoinFull
)

// ModerationResult is the outcome of a moderation operation.
type ModerationResult int

const (
	ModerationSuccess ModerationResult = iota
	ModerationNotFound
	ModerationUnauthorized
	ModerationRejected
)

// memberRef is a weak slot in a channel's member or moderator list. The
// client registry is the sole strong owner of client records; a slot whose
// pointer no longer resolves is a tombstone and is skipped (and compacted
// opportunistically) during fan-out.
type memberRef struct {
	id  uint32
	ref weak.Pointer[Client]
}

func (m memberRef) resolve() *Client {
	return m.ref.Value()
}

// Channel is a named room with membership, moderation, privacy and a
// broadcast pipeline. A single mutex guards membership and metadata; the
// broadcast queue has its own mutex and condition variable so fan-out never
// blocks membership changes.
type Channel struct {
	ID uint32

	mu          sync.Mutex // Protects name, pinned, banned, invitations, members, moderators
	name        string
	pinned      string
	banned      map[uint32]struct{}
	invitations map[uint32]struct{}
	members     []memberRef
	moderators  []memberRef

	secret    atomic.Bool
	packetSeq atomic.Int32 // response ids for queued broadcasts, monotonic per channel

	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []protocol.Response
	stop      atomic.Bool

	workerDone chan struct{}

	pool    *Pool
	metrics *Metrics
}

// NewChannel creates a channel and starts its broadcast worker.
func NewChannel(id uint32, name string, secret bool, pool *Pool, metrics *Metrics) *Channel {
	ch := &Channel{
		ID:          id,
		name:        name,
		banned:      make(map[uint32]struct{}),
		invitations: make(map[uint32]struct{}),
		workerDone:  make(chan struct{}),
		pool:        pool,
		metrics:     metrics,
	}
	ch.secret.Store(secret)
	ch.queueCond = sync.NewCond(&ch.queueMu)

	go ch.broadcastLoop()

	debugLog.Printf("channel created: %s", name)
	return ch
}

// Name returns the current channel name.
func (ch *Channel) Name() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.name
}

// PinnedMessage returns the current pinned message.
func (ch *Channel) PinnedMessage() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.pinned
}

// Secret reports the channel's privacy flag.
func (ch *Channel) Secret() bool {
	return ch.secret.Load()
}

// MemberCount returns the current member list length, tombstones included.
func (ch *Channel) MemberCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.members)
}

// Info returns the channel info bytes: `id:u32le || secret:u8 || name`.
func (ch *Channel) Info() []byte {
	ch.mu.Lock()
	name := ch.name
	ch.mu.Unlock()

	info := protocol.ChannelInfo{ID: ch.ID, Secret: ch.secret.Load(), Name: name}
	data, _ := info.Encode()
	return data
}

// View returns the CH_LIST snapshot of the channel.
func (ch *Channel) View() protocol.ChannelListEntry {
	ch.mu.Lock()
	name := ch.name
	ch.mu.Unlock()

	return protocol.ChannelListEntry{ID: ch.ID, Secret: ch.secret.Load(), Name: name}
}

func indexOf(refs []memberRef, id uint32) int {
	for i, ref := range refs {
		if ref.id == id {
			return i
		}
	}
	return -1
}

func removeRef(refs []memberRef, id uint32) []memberRef {
	if i := indexOf(refs, id); i >= 0 {
		return append(refs[:i], refs[i+1:]...)
	}
	return refs
}

// Join attempts to add a member. Evaluation order: banned, capacity,
// secrecy. Capacity precedes secrecy so a full channel does not burn an
// invitation. Admins join secret channels without one.
func (ch *Channel) Join(client *Client) JoinResult {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, isBanned := ch.banned[client.ID]; isBanned {
		return JoinBanned
	}

	if indexOf(ch.members, client.ID) >= 0 {
		return JoinSuccess
	}

	if len(ch.members) >= MaxChannelCapacity {
		return JoinFull
	}

	// if no invitation was consumed the client wasn't invited
	if ch.secret.Load() && !client.Admin() {
		if _, invited := ch.invitations[client.ID]; !invited {
			return JoinSecret
		}
		delete(ch.invitations, client.ID)
	}

	ch.members = append(ch.members, memberRef{id: client.ID, ref: weak.Make(client)})
	return JoinSuccess
}

// Leave removes the client from the member and moderator lists. Idempotent.
func (ch *Channel) Leave(client *Client) {
	ch.LeaveByID(client.ID)
}

// LeaveByID removes a member by client id. Idempotent.
func (ch *Channel) LeaveByID(clientID uint32) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.members = removeRef(ch.members, clientID)
	ch.moderators = removeRef(ch.moderators, clientID)
}

// IsModerator reports whether the client moderates this channel. Admins
// always do.
func (ch *Channel) IsModerator(client *Client) bool {
	if client.Admin() {
		return true
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return indexOf(ch.moderators, client.ID) >= 0
}

func (ch *Channel) isModeratorLocked(clientID uint32) bool {
	return indexOf(ch.moderators, clientID) >= 0
}

// Kick removes a member. Moderators may kick plain members; a moderator
// target may only be kicked by an admin actor. The kick is broadcast to the
// remaining members.
func (ch *Channel) Kick(actor *Client, targetID uint32) ModerationResult {
	ch.mu.Lock()

	i := indexOf(ch.members, targetID)
	if i < 0 {
		ch.mu.Unlock()
		return ModerationNotFound
	}

	actorIsModerator := actor.Admin() || ch.isModeratorLocked(actor.ID)
	targetIsModerator := ch.isModeratorLocked(targetID)
	if !actorIsModerator || (targetIsModerator && !actor.Admin()) {
		ch.mu.Unlock()
		return ModerationUnauthorized
	}

	target := ch.members[i].resolve()
	ch.members = removeRef(ch.members, targetID)
	ch.moderators = removeRef(ch.moderators, targetID)
	name := ch.name
	ch.mu.Unlock()

	if target != nil {
		target.RemoveChannel(ch.ID)
		debugLog.Printf("%s was kicked from: %s", target.Username(), name)
	}

	ch.queueNotice(protocol.TypeChKick, &protocol.ModerationTarget{ChannelID: ch.ID, TargetID: targetID})
	return ModerationSuccess
}

// Invite adds the target to the invitation list. Secret channels require a
// moderator actor; in public channels any member may invite (joining is
// unrestricted anyway).
func (ch *Channel) Invite(actor *Client, targetID uint32) ModerationResult {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.secret.Load() {
		if !actor.Admin() && !ch.isModeratorLocked(actor.ID) {
			return ModerationUnauthorized
		}
	} else if indexOf(ch.members, actor.ID) < 0 && !actor.Admin() {
		return ModerationUnauthorized
	}

	ch.invitations[targetID] = struct{}{}
	return ModerationSuccess
}

// Promote adds an existing member to the moderator list. Admin-only; fails
// when the target is already a moderator or the list is at capacity.
func (ch *Channel) Promote(actor *Client, targetID uint32) ModerationResult {
	if !actor.Admin() {
		return ModerationUnauthorized
	}

	ch.mu.Lock()

	i := indexOf(ch.members, targetID)
	if i < 0 {
		ch.mu.Unlock()
		return ModerationNotFound
	}
	if ch.isModeratorLocked(targetID) || len(ch.moderators) >= MaxModerators {
		ch.mu.Unlock()
		return ModerationRejected
	}

	member := ch.members[i]
	ch.moderators = append(ch.moderators, member)
	name := ch.name
	ch.mu.Unlock()

	if target := member.resolve(); target != nil {
		debugLog.Printf("member promoted to moderator: %s -> %s", name, target.Username())
	}

	arg := make([]byte, 4)
	binary.LittleEndian.PutUint32(arg, targetID)
	ch.queueNotice(protocol.TypeChUpdate, &protocol.ChannelUpdate{ChannelID: ch.ID, Op: protocol.UpdatePromote, Arg: arg})
	return ModerationSuccess
}

// ChangePrivacy toggles the secret flag. Admin-only. The new state is
// broadcast as a CH_UPDATE with a single 0/1 arg byte.
func (ch *Channel) ChangePrivacy(actor *Client) ModerationResult {
	if !actor.Admin() {
		return ModerationUnauthorized
	}

	newSecret := !ch.secret.Load()
	ch.secret.Store(newSecret)
	debugLog.Printf("%s privacy has changed", ch.Name())

	arg := []byte{0}
	if newSecret {
		arg[0] = 1
	}
	ch.queueNotice(protocol.TypeChUpdate, &protocol.ChannelUpdate{ChannelID: ch.ID, Op: protocol.UpdatePrivacy, Arg: arg})
	return ModerationSuccess
}

// Pin sets the pinned message and broadcasts the update. Moderator-only.
func (ch *Channel) Pin(actor *Client, message string) ModerationResult {
	if !ch.IsModerator(actor) {
		return ModerationUnauthorized
	}

	ch.mu.Lock()
	ch.pinned = message
	ch.mu.Unlock()

	ch.queueNotice(protocol.TypeChUpdate, &protocol.ChannelUpdate{ChannelID: ch.ID, Op: protocol.UpdatePin, Arg: []byte(message)})
	return ModerationSuccess
}

// Rename sets a new channel name and broadcasts the update. Admin-only; the
// new name must be 6-24 bytes.
func (ch *Channel) Rename(actor *Client, newName string) ModerationResult {
	if !actor.Admin() {
		return ModerationUnauthorized
	}
	if len(newName) < MinRenameLen || len(newName) > MaxRenameLen {
		return ModerationRejected
	}

	ch.mu.Lock()
	oldName := ch.name
	ch.name = newName
	ch.mu.Unlock()

	debugLog.Printf("channel name changed: %s -> %s", oldName, newName)
	ch.queueNotice(protocol.TypeChUpdate, &protocol.ChannelUpdate{ChannelID: ch.ID, Op: protocol.UpdateRename, Arg: []byte(newName)})
	return ModerationSuccess
}

// Ban adds the target to the banned set and kicks them if present. The same
// authorization as Kick applies; banning a moderator requires admin.
func (ch *Channel) Ban(actor *Client, targetID uint32) ModerationResult {
	ch.mu.Lock()

	actorIsModerator := actor.Admin() || ch.isModeratorLocked(actor.ID)
	targetIsModerator := ch.isModeratorLocked(targetID)
	if !actorIsModerator || (targetIsModerator && !actor.Admin()) {
		ch.mu.Unlock()
		return ModerationUnauthorized
	}

	ch.banned[targetID] = struct{}{}
	delete(ch.invitations, targetID)

	var target *Client
	if i := indexOf(ch.members, targetID); i >= 0 {
		target = ch.members[i].resolve()
		ch.members = removeRef(ch.members, targetID)
		ch.moderators = removeRef(ch.moderators, targetID)
	}
	ch.mu.Unlock()

	if target != nil {
		target.RemoveChannel(ch.ID)
	}

	ch.queueNotice(protocol.TypeChBan, &protocol.ModerationTarget{ChannelID: ch.ID, TargetID: targetID})
	return ModerationSuccess
}

// Unban removes the target from the banned set. Moderator-only.
func (ch *Channel) Unban(actor *Client, targetID uint32) ModerationResult {
	if !ch.IsModerator(actor) {
		return ModerationUnauthorized
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, isBanned := ch.banned[targetID]; !isBanned {
		return ModerationNotFound
	}
	delete(ch.banned, targetID)
	return ModerationSuccess
}

// QueueMessage appends a CH_MESSAGE broadcast to the queue. Non-blocking.
func (ch *Channel) QueueMessage(senderID, replyTo uint32, text []byte) {
	msg := protocol.MessageBroadcast{
		ChannelID: ch.ID,
		SenderID:  senderID,
		ReplyTo:   replyTo,
		Text:      text,
	}
	ch.queueNotice(protocol.TypeChMessage, &msg)
}

// queueNotice frames a broadcast payload with the next per-channel sequence
// id and enqueues it for the worker.
func (ch *Channel) queueNotice(packetType uint32, payload protocol.PayloadMessage) {
	data, err := payload.Encode()
	if err != nil {
		errorLog.Printf("channel %d: failed to encode broadcast 0x%02X: %v", ch.ID, packetType, err)
		return
	}

	packet := protocol.NewResponse(ch.packetSeq.Add(1), packetType, data)

	ch.queueMu.Lock()
	if ch.stop.Load() {
		ch.queueMu.Unlock()
		return
	}
	ch.queue = append(ch.queue, packet)
	ch.queueMu.Unlock()
	ch.queueCond.Signal()
}

// broadcastLoop is the per-channel worker. It waits until stopped or the
// queue is non-empty, drains the queue into a local slice under the queue
// lock, and submits one fan-out job to the shared pool. The worker waits for
// the job to finish before draining again, which keeps per-channel delivery
// in enqueue order while distinct channels fan out in parallel.
func (ch *Channel) broadcastLoop() {
	defer close(ch.workerDone)

	for {
		ch.queueMu.Lock()
		for !ch.stop.Load() && len(ch.queue) == 0 {
			ch.queueCond.Wait()
		}
		if ch.stop.Load() {
			ch.queueMu.Unlock()
			return
		}

		batch := ch.queue
		ch.queue = nil
		ch.queueMu.Unlock()

		done := make(chan struct{})
		if !ch.pool.Submit(func() {
			defer close(done)
			ch.fanOut(batch)
		}) {
			return
		}
		<-done
	}
}

// fanOut delivers a batch of packets to every member whose weak reference
// still resolves. Failed sends are not retried and do not remove the member;
// disconnection is detected by the transports.
func (ch *Channel) fanOut(batch []protocol.Response) {
	ch.mu.Lock()
	targets := make([]*Client, 0, len(ch.members))
	live := ch.members[:0]
	for _, member := range ch.members {
		if client := member.resolve(); client != nil {
			targets = append(targets, client)
			live = append(live, member)
		}
	}
	// collected entries are tombstones; compact them away
	ch.members = live
	ch.mu.Unlock()

	for _, packet := range batch {
		for _, client := range targets {
			if !client.Connected() {
				continue
			}
			if err := client.SendPacket(packet.Data); err != nil {
				debugLog.Printf("channel %d: send to %d failed: %v", ch.ID, client.ID, err)
			}
		}
	}
	ch.metrics.RecordBroadcast(len(batch))
}

// Close runs the channel destruction sequence: stop and wake the worker
// (pending queue items are dropped, delivery at teardown is best-effort),
// notify every live member with CH_DELETE, and join the worker.
func (ch *Channel) Close() {
	ch.queueMu.Lock()
	if ch.stop.Load() {
		ch.queueMu.Unlock()
		<-ch.workerDone
		return
	}
	ch.stop.Store(true)
	ch.queue = nil
	ch.queueMu.Unlock()
	ch.queueCond.Broadcast()

	ch.mu.Lock()
	members := make([]memberRef, len(ch.members))
	copy(members, ch.members)
	name := ch.name
	ch.members = nil
	ch.moderators = nil
	ch.mu.Unlock()

	packet := protocol.NewResponse(0, protocol.TypeChDelete, []byte(fmt.Sprintf("%s has been deleted", name)))
	for _, member := range members {
		client := member.resolve()
		if client == nil {
			continue
		}
		client.RemoveChannel(ch.ID)
		if client.Connected() {
			ch.pool.Submit(func() {
				client.SendPacket(packet.Data)
			})
		}
	}

	<-ch.workerDone
	debugLog.Printf("channel destroyed: %s", name)
}
