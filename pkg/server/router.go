package server

import (
	"fmt"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Router maps request kinds to core operations and builds responses. It is
// dependency-injected (registries, pool, config) so tests can drive it
// without sockets; the binary wires a single instance at startup.
type Router struct {
	clients  *ClientManager
	channels *ChannelManager
	pool     *Pool
	config   ServerConfig
	metrics  *Metrics

	// shutdown triggers a graceful server stop on SVR_SHUTDOWN. Optional.
	shutdown func()
}

// NewRouter wires a router over the given collaborators.
func NewRouter(clients *ClientManager, channels *ChannelManager, pool *Pool, config ServerConfig, metrics *Metrics) *Router {
	return &Router{
		clients:  clients,
		channels: channels,
		pool:     pool,
		config:   config,
		metrics:  metrics,
	}
}

// SetShutdown registers the callback invoked on an admin SVR_SHUTDOWN.
func (r *Router) SetShutdown(fn func()) {
	r.shutdown = fn
}

// Handle dispatches one request and returns exactly one response. Failure
// responses carry id -1; the sentinel (Size <= 0) means nothing is sent.
func (r *Router) Handle(client *Client, req protocol.Request) protocol.Response {
	r.metrics.RecordMessageReceived(protocol.TypeName(req.Type))

	if !client.Connected() {
		if req.Type != protocol.TypeSvrConnect {
			debugLog.Printf("not connect request %d", client.ID)
			return protocol.NewResponse(-1, protocol.TypeSvrConnect, []byte("Connection needed"))
		}
		return r.handleConnect(client, req)
	}

	switch req.Type {
	case protocol.TypeChList:
		debugLog.Printf("CH_LIST request")
		return r.handleList(req)
	case protocol.TypeChCreate:
		debugLog.Printf("CH_CREATE request")
		if !client.Admin() {
			return protocol.NewResponse(-1, protocol.TypePermissionDenied, nil)
		}
		return r.handleCreate(req)
	case protocol.TypeChJoin:
		return r.handleJoin(client, req)
	case protocol.TypeChLeave:
		return r.handleLeave(client, req)
	case protocol.TypeChMessage:
		debugLog.Printf("CH_MESSAGE request")
		return r.handleMessage(client, req)
	case protocol.TypeChInvite:
		return r.handleInvite(client, req)
	case protocol.TypeChKick:
		return r.handleModeration(req, func(ch *Channel, targetID uint32) ModerationResult {
			return ch.Kick(client, targetID)
		})
	case protocol.TypeChBan:
		return r.handleBan(client, req)
	case protocol.TypeChUnban:
		return r.handleModeration(req, func(ch *Channel, targetID uint32) ModerationResult {
			return ch.Unban(client, targetID)
		})
	case protocol.TypeChUpdate:
		return r.handleUpdate(client, req)
	case protocol.TypeChDelete:
		return r.handleDelete(client, req)
	case protocol.TypeSvrDisconnect:
		r.Disconnect(client)
		return protocol.EmptyResponse()
	case protocol.TypeSvrMessage:
		return r.handleServerMessage(client, req)
	case protocol.TypeSvrBanned:
		return r.handleServerBan(client, req)
	case protocol.TypeSvrShutdown:
		return r.handleShutdown(client, req)
	case protocol.TypeHeartbeat:
		return protocol.NewResponse(req.ID, protocol.TypeHeartbeat, nil)
	default:
		debugLog.Printf("Unknown request type: %d", req.Type)
		return protocol.NewResponse(-1, protocol.TypeError, []byte("unknown request type"))
	}
}

// handleConnect claims a username and optionally elevates to admin when the
// second payload line matches the configured secret.
func (r *Router) handleConnect(client *Client, req protocol.Request) protocol.Response {
	var msg protocol.ConnectRequest
	if err := msg.Decode(req.Payload); err != nil {
		return protocol.NewResponse(-1, protocol.TypeSvrConnect, []byte("malformed connect payload"))
	}

	username := client.ChangeUsername(msg.Username)
	client.SetConnected(true)

	if msg.HasPassword {
		client.TryElevate(msg.Password, r.config.AdminSecret)
	}

	return protocol.NewResponse(req.ID, protocol.TypeSvrConnect, []byte(username))
}

// Disconnect removes the client across the application: flag it
// disconnected, leave every channel, then drop the registry's strong
// reference (channels only hold weak ones). Safe to call more than once.
func (r *Router) Disconnect(client *Client) {
	client.SetConnected(false)

	for _, channelID := range client.Channels() {
		if ch, ok := r.channels.Find(channelID); ok {
			ch.Leave(client)
		}
		client.RemoveChannel(channelID)
	}

	r.clients.Remove(client)
	debugLog.Printf("%s disconnected from the server", client.Username())
}

func (r *Router) handleList(req protocol.Request) protocol.Response {
	views := r.channels.Views()
	return protocol.NewResponse(req.ID, protocol.TypeChList, protocol.EncodeChannelList(views))
}

func (r *Router) handleCreate(req protocol.Request) protocol.Response {
	var msg protocol.CreateChannelRequest
	if err := msg.Decode(req.Payload); err != nil {
		return protocol.NewResponse(-1, protocol.TypeRequestRejected, []byte("malformed create payload"))
	}
	if len(msg.Name) < MinChannelNameLen || len(msg.Name) > MaxChannelNameLen {
		return protocol.NewResponse(-1, protocol.TypeRequestRejected, []byte("channel name must be 1-64 bytes"))
	}

	_, info, err := r.channels.Create(msg.Name, msg.Secret)
	if err != nil {
		return protocol.NewResponse(-1, protocol.TypeRequestRejected, []byte("channel capacity reached"))
	}

	return protocol.NewResponse(req.ID, protocol.TypeChCreate, info)
}

func (r *Router) handleJoin(client *Client, req protocol.Request) protocol.Response {
	var msg protocol.JoinRequest
	if err := msg.Decode(req.Payload); err != nil {
		return protocol.NewResponse(-1, protocol.TypeChJoin, []byte("malformed join payload"))
	}

	ch, ok := r.channels.Find(msg.ChannelID)
	if !ok {
		return protocol.NewResponse(-1, protocol.TypeNotFound, []byte("Channel not found."))
	}

	switch ch.Join(client) {
	case JoinBanned:
		reason := fmt.Sprintf("You are banned from channel %s", ch.Name())
		return protocol.NewResponse(-1, protocol.TypeChJoin, []byte(reason))
	case JoinFull:
		reason := fmt.Sprintf("Channel is full: %s", ch.Name())
		return protocol.NewResponse(-1, protocol.TypeChJoin, []byte(reason))
	case JoinSecret:
		reason := fmt.Sprintf("You need an invitation to join this channel: %s", ch.Name())
		return protocol.NewResponse(-1, protocol.TypeChJoin, []byte(reason))
	default:
		client.AddChannel(ch.ID)
		debugLog.Printf("%s joined %s", client.Username(), ch.Name())
		return protocol.NewResponse(req.ID, protocol.TypeChJoin, ch.Info())
	}
}

func (r *Router) handleLeave(client *Client, req protocol.Request) protocol.Response {
	var msg protocol.JoinRequest
	if err := msg.Decode(req.Payload); err != nil {
		return protocol.NewResponse(-1, protocol.TypeChLeave, nil)
	}

	ch, ok := r.channels.Find(msg.ChannelID)
	if !ok {
		return protocol.NewResponse(-1, protocol.TypeChLeave, nil)
	}

	client.RemoveChannel(ch.ID)
	ch.Leave(client)
	debugLog.Printf("%s left %s", client.Username(), ch.Name())
	return protocol.NewResponse(req.ID, protocol.TypeChLeave, nil)
}

func (r *Router) handleMessage(client *Client, req protocol.Request) protocol.Response {
	var msg protocol.MessagePost
	if err := msg.Decode(req.Payload); err != nil {
		return protocol.NewResponse(-1, protocol.TypeChMessage, nil)
	}

	ch, ok := r.channels.Find(msg.ChannelID)
	if !ok || !client.IsMember(msg.ChannelID) {
		return protocol.NewResponse(-1, protocol.TypeChMessage, nil)
	}

	ch.QueueMessage(client.ID, msg.ReplyTo, msg.Text)
	return protocol.NewResponse(req.ID, protocol.TypeChMessage, nil)
}

// handleModeration is the shared shape of target-based moderation requests:
// resolve the channel, run the operation, map the result.
func (r *Router) handleModeration(req protocol.Request, op func(*Channel, uint32) ModerationResult) protocol.Response {
	var msg protocol.ModerationTarget
	if err := msg.Decode(req.Payload); err != nil {
		return protocol.NewResponse(-1, protocol.TypeRequestRejected, []byte("malformed moderation payload"))
	}

	ch, ok := r.channels.Find(msg.ChannelID)
	if !ok {
		return protocol.NewResponse(-1, protocol.TypeNotFound, []byte("Channel not found."))
	}

	return r.moderationResponse(req, op(ch, msg.TargetID))
}

func (r *Router) moderationResponse(req protocol.Request, result ModerationResult) protocol.Response {
	switch result {
	case ModerationNotFound:
		return protocol.NewResponse(-1, protocol.TypeNotFound, nil)
	case ModerationUnauthorized:
		return protocol.NewResponse(-1, protocol.TypePermissionDenied, nil)
	case ModerationRejected:
		return protocol.NewResponse(-1, protocol.TypeRequestRejected, nil)
	default:
		return protocol.NewResponse(req.ID, req.Type, nil)
	}
}

func (r *Router) handleInvite(client *Client, req protocol.Request) protocol.Response {
	var msg protocol.ModerationTarget
	if err := msg.Decode(req.Payload); err != nil {
		return protocol.NewResponse(-1, protocol.TypeRequestRejected, []byte("malformed moderation payload"))
	}

	ch, ok := r.channels.Find(msg.ChannelID)
	if !ok {
		return protocol.NewResponse(-1, protocol.TypeNotFound, []byte("Channel not found."))
	}

	target, ok := r.clients.FindByID(msg.TargetID)
	if !ok {
		return protocol.NewResponse(-1, protocol.TypeNotFound, []byte("Client not found."))
	}

	result := ch.Invite(client, target.ID)
	if result == ModerationSuccess {
		// notify the invited client with the channel info so they can join
		invitation := protocol.NewResponse(-1, protocol.TypeChInvite, ch.Info())
		r.pool.Submit(func() {
			if target.Connected() {
				target.SendPacket(invitation.Data)
				r.metrics.RecordMessageSent(protocol.TypeName(protocol.TypeChInvite))
			}
		})
	}
	return r.moderationResponse(req, result)
}

func (r *Router) handleBan(client *Client, req protocol.Request) protocol.Response {
	var msg protocol.ModerationTarget
	if err := msg.Decode(req.Payload); err != nil {
		return protocol.NewResponse(-1, protocol.TypeRequestRejected, []byte("malformed moderation payload"))
	}

	ch, ok := r.channels.Find(msg.ChannelID)
	if !ok {
		return protocol.NewResponse(-1, protocol.TypeNotFound, []byte("Channel not found."))
	}

	if _, ok := r.clients.FindByID(msg.TargetID); !ok {
		return protocol.NewResponse(-1, protocol.TypeNotFound, []byte("Client not found."))
	}

	return r.moderationResponse(req, ch.Ban(client, msg.TargetID))
}

func (r *Router) handleUpdate(client *Client, req protocol.Request) protocol.Response {
	var msg protocol.ChannelUpdate
	if err := msg.Decode(req.Payload); err != nil {
		return protocol.NewResponse(-1, protocol.TypeRequestRejected, []byte("malformed update payload"))
	}

	ch, ok := r.channels.Find(msg.ChannelID)
	if !ok {
		return protocol.NewResponse(-1, protocol.TypeNotFound, []byte("Channel not found."))
	}

	switch msg.Op {
	case protocol.UpdatePin:
		return r.moderationResponse(req, ch.Pin(client, string(msg.Arg)))
	case protocol.UpdateRename:
		return r.moderationResponse(req, ch.Rename(client, string(msg.Arg)))
	case protocol.UpdatePrivacy:
		return r.moderationResponse(req, ch.ChangePrivacy(client))
	case protocol.UpdatePromote:
		targetID, err := msg.PromoteTarget()
		if err != nil {
			return protocol.NewResponse(-1, protocol.TypeRequestRejected, []byte("malformed update payload"))
		}
		return r.moderationResponse(req, ch.Promote(client, targetID))
	default:
		return protocol.NewResponse(-1, protocol.TypeRequestRejected, []byte("unknown update op"))
	}
}

func (r *Router) handleDelete(client *Client, req protocol.Request) protocol.Response {
	if !client.Admin() {
		return protocol.NewResponse(-1, protocol.TypePermissionDenied, nil)
	}

	var msg protocol.JoinRequest
	if err := msg.Decode(req.Payload); err != nil {
		return protocol.NewResponse(-1, protocol.TypeRequestRejected, []byte("malformed delete payload"))
	}

	if !r.channels.Remove(msg.ChannelID) {
		return protocol.NewResponse(-1, protocol.TypeNotFound, []byte("Channel not found."))
	}
	return protocol.NewResponse(req.ID, protocol.TypeChDelete, nil)
}

// handleServerMessage fans an admin's server-scoped message to every
// connected client.
func (r *Router) handleServerMessage(client *Client, req protocol.Request) protocol.Response {
	if !client.Admin() {
		return protocol.NewResponse(-1, protocol.TypePermissionDenied, nil)
	}

	msg := protocol.ServerMessage{SenderID: client.ID, Text: req.Payload}
	payload, err := msg.Encode()
	if err != nil {
		return protocol.NewResponse(-1, protocol.TypeError, []byte("encode failed"))
	}
	packet := protocol.NewResponse(-1, protocol.TypeSvrMessage, payload)

	targets := r.clients.All()
	r.pool.Submit(func() {
		for _, target := range targets {
			if target.Connected() {
				target.SendPacket(packet.Data)
				r.metrics.RecordMessageSent(protocol.TypeName(protocol.TypeSvrMessage))
			}
		}
	})

	return protocol.NewResponse(req.ID, protocol.TypeSvrMessage, nil)
}

// handleServerBan disconnects the target from the whole server after
// notifying it. Admin-only.
func (r *Router) handleServerBan(client *Client, req protocol.Request) protocol.Response {
	if !client.Admin() {
		return protocol.NewResponse(-1, protocol.TypePermissionDenied, nil)
	}

	var msg protocol.ClientTarget
	if err := msg.Decode(req.Payload); err != nil {
		return protocol.NewResponse(-1, protocol.TypeRequestRejected, []byte("malformed ban payload"))
	}

	target, ok := r.clients.FindByID(msg.TargetID)
	if !ok {
		return protocol.NewResponse(-1, protocol.TypeNotFound, []byte("Client not found."))
	}

	notice := protocol.NewResponse(-1, protocol.TypeSvrBanned, []byte("You have been banned from the server"))
	target.SendPacket(notice.Data)
	r.metrics.RecordMessageSent(protocol.TypeName(protocol.TypeSvrBanned))
	r.Disconnect(target)

	return protocol.NewResponse(req.ID, protocol.TypeSvrBanned, nil)
}

// handleShutdown triggers a graceful server stop. Admin-only. The stop
// itself broadcasts SVR_SHUTDOWN to every client.
func (r *Router) handleShutdown(client *Client, req protocol.Request) protocol.Response {
	if !client.Admin() {
		return protocol.NewResponse(-1, protocol.TypePermissionDenied, nil)
	}
	if r.shutdown != nil {
		go r.shutdown()
	}
	return protocol.NewResponse(req.ID, protocol.TypeSvrShutdown, nil)
}
