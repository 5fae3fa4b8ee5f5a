package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

const testAdminSecret = "hunter2"

func newTestRouter(t *testing.T, maxChannels int) (*Router, *ClientManager, *ChannelManager) {
	t.Helper()
	pool := newTestPool(t)
	clients := NewClientManager(MinClients, nil)
	channels := NewChannelManager(maxChannels, pool, nil)
	t.Cleanup(channels.CloseAll)

	config := DefaultConfig()
	config.AdminSecret = testAdminSecret

	return NewRouter(clients, channels, pool, config, nil), clients, channels
}

// registerTestClient makes a fake-transport client visible to FindByID.
func registerTestClient(cm *ClientManager, client *Client) {
	cm.mu.Lock()
	cm.byID[client.ID] = client
	cm.mu.Unlock()
}

func mkReq(id int32, packetType uint32, payload []byte) protocol.Request {
	return protocol.Request{ID: id, Type: packetType, Payload: payload}
}

func encodePayload(t *testing.T, msg protocol.PayloadMessage) []byte {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	return data
}

func TestRouterRejectsRequestsBeforeConnect(t *testing.T) {
	router, _, _ := newTestRouter(t, 10)
	client, _ := newTestClient(1, false)
	client.SetConnected(false)

	resp := router.Handle(client, mkReq(5, protocol.TypeChList, nil))
	assert.Equal(t, protocol.TypeSvrConnect, resp.Type)
	assert.Equal(t, int32(-1), resp.ID)
	assert.Equal(t, "Connection needed", string(resp.Payload()))
}

func TestRouterConnectEchoesUsernameWithID(t *testing.T) {
	router, _, _ := newTestRouter(t, 10)
	client := newClient(1, &fakeTransport{})

	resp := router.Handle(client, mkReq(1, protocol.TypeSvrConnect, []byte("alice")))
	assert.Equal(t, protocol.TypeSvrConnect, resp.Type)
	assert.Equal(t, int32(1), resp.ID)
	assert.Equal(t, "alice1", string(resp.Payload()))
	assert.True(t, client.Connected())
	assert.False(t, client.Admin())
}

func TestRouterConnectWithAdminPassword(t *testing.T) {
	router, _, _ := newTestRouter(t, 10)

	client := newClient(1, &fakeTransport{})
	router.Handle(client, mkReq(1, protocol.TypeSvrConnect, []byte("root\n"+testAdminSecret)))
	assert.True(t, client.Admin())

	wrong := newClient(2, &fakeTransport{})
	router.Handle(wrong, mkReq(1, protocol.TypeSvrConnect, []byte("mallory\nguess")))
	assert.False(t, wrong.Admin())
	assert.True(t, wrong.Connected(), "a wrong password still connects, just without elevation")
}

func TestRouterConnectMalformedPayload(t *testing.T) {
	router, _, _ := newTestRouter(t, 10)
	client := newClient(1, &fakeTransport{})

	resp := router.Handle(client, mkReq(1, protocol.TypeSvrConnect, nil))
	assert.Equal(t, int32(-1), resp.ID)
	assert.False(t, client.Connected())
}

func TestRouterCreateRequiresAdmin(t *testing.T) {
	router, _, _ := newTestRouter(t, 10)
	client, _ := newTestClient(1, false)

	payload := encodePayload(t, &protocol.CreateChannelRequest{Name: "general"})
	resp := router.Handle(client, mkReq(2, protocol.TypeChCreate, payload))
	assert.Equal(t, protocol.TypePermissionDenied, resp.Type)
	assert.Equal(t, int32(-1), resp.ID)
}

func TestRouterCreateAndJoin(t *testing.T) {
	router, _, _ := newTestRouter(t, 10)
	admin, _ := newTestClient(1, true)

	payload := encodePayload(t, &protocol.CreateChannelRequest{Name: "general"})
	resp := router.Handle(admin, mkReq(2, protocol.TypeChCreate, payload))
	require.Equal(t, protocol.TypeChCreate, resp.Type)
	require.Equal(t, int32(2), resp.ID)

	var info protocol.ChannelInfo
	require.NoError(t, info.Decode(resp.Payload()))
	assert.Equal(t, uint32(1), info.ID)
	assert.False(t, info.Secret)
	assert.Equal(t, "general", info.Name)

	// a second, non-admin client joins and receives the same info bytes
	member, _ := newTestClient(2, false)
	joinPayload := encodePayload(t, &protocol.JoinRequest{ChannelID: info.ID})
	joinResp := router.Handle(member, mkReq(3, protocol.TypeChJoin, joinPayload))
	assert.Equal(t, protocol.TypeChJoin, joinResp.Type)
	assert.Equal(t, int32(3), joinResp.ID)
	assert.Equal(t, resp.Payload(), joinResp.Payload())
	assert.True(t, member.IsMember(info.ID))
}

func TestRouterCreateValidatesName(t *testing.T) {
	router, _, _ := newTestRouter(t, 10)
	admin, _ := newTestClient(1, true)

	payload := encodePayload(t, &protocol.CreateChannelRequest{Name: ""})
	resp := router.Handle(admin, mkReq(1, protocol.TypeChCreate, payload))
	assert.Equal(t, protocol.TypeRequestRejected, resp.Type)

	long := make([]byte, MaxChannelNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	payload = encodePayload(t, &protocol.CreateChannelRequest{Name: string(long)})
	resp = router.Handle(admin, mkReq(1, protocol.TypeChCreate, payload))
	assert.Equal(t, protocol.TypeRequestRejected, resp.Type)
}

func TestRouterCreateAtRegistryCapacity(t *testing.T) {
	router, _, _ := newTestRouter(t, MinChannels)
	admin, _ := newTestClient(1, true)

	payload := encodePayload(t, &protocol.CreateChannelRequest{Name: "general"})
	resp := router.Handle(admin, mkReq(1, protocol.TypeChCreate, payload))
	require.Equal(t, protocol.TypeChCreate, resp.Type)

	payload = encodePayload(t, &protocol.CreateChannelRequest{Name: "overflow"})
	resp = router.Handle(admin, mkReq(2, protocol.TypeChCreate, payload))
	assert.Equal(t, protocol.TypeRequestRejected, resp.Type)
	assert.Contains(t, string(resp.Payload()), "capacity")
}

func TestRouterJoinUnknownChannel(t *testing.T) {
	router, _, _ := newTestRouter(t, 10)
	client, _ := newTestClient(1, false)

	payload := encodePayload(t, &protocol.JoinRequest{ChannelID: 42})
	resp := router.Handle(client, mkReq(1, protocol.TypeChJoin, payload))
	assert.Equal(t, protocol.TypeNotFound, resp.Type)
	assert.Equal(t, int32(-1), resp.ID)
}

func TestRouterJoinSecretWithoutInvitation(t *testing.T) {
	router, _, channels := newTestRouter(t, 10)
	_, _, err := channels.Create("vault", true)
	require.NoError(t, err)

	client, _ := newTestClient(1, false)
	payload := encodePayload(t, &protocol.JoinRequest{ChannelID: 1})
	resp := router.Handle(client, mkReq(1, protocol.TypeChJoin, payload))
	assert.Equal(t, protocol.TypeChJoin, resp.Type)
	assert.Equal(t, int32(-1), resp.ID)
	assert.Contains(t, string(resp.Payload()), "invitation")
}

func TestRouterListSerialization(t *testing.T) {
	router, _, channels := newTestRouter(t, 10)
	_, _, err := channels.Create("general", false)
	require.NoError(t, err)
	_, _, err = channels.Create("vault", true)
	require.NoError(t, err)

	client, _ := newTestClient(1, false)
	resp := router.Handle(client, mkReq(7, protocol.TypeChList, nil))
	require.Equal(t, protocol.TypeChList, resp.Type)
	require.Equal(t, int32(7), resp.ID)

	entries, err := protocol.DecodeChannelList(resp.Payload())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, protocol.ChannelListEntry{ID: 1, Secret: false, Name: "general"}, entries[0])
	assert.Equal(t, protocol.ChannelListEntry{ID: 2, Secret: true, Name: "vault"}, entries[1])
}

func TestRouterMessageRequiresMembership(t *testing.T) {
	router, _, channels := newTestRouter(t, 10)
	_, _, err := channels.Create("general", false)
	require.NoError(t, err)

	client, _ := newTestClient(1, false)
	payload := encodePayload(t, &protocol.MessagePost{ChannelID: 1, Text: []byte("hi")})
	resp := router.Handle(client, mkReq(1, protocol.TypeChMessage, payload))
	assert.Equal(t, int32(-1), resp.ID)
}

func TestRouterMessageBroadcasts(t *testing.T) {
	router, _, channels := newTestRouter(t, 10)
	ch, _, err := channels.Create("general", false)
	require.NoError(t, err)

	sender, _ := newTestClient(1, false)
	receiver, rt := newTestClient(2, false)
	for _, c := range []*Client{sender, receiver} {
		require.Equal(t, JoinSuccess, ch.Join(c))
		c.AddChannel(ch.ID)
	}

	payload := encodePayload(t, &protocol.MessagePost{ChannelID: ch.ID, ReplyTo: 9, Text: []byte("hello")})
	resp := router.Handle(sender, mkReq(4, protocol.TypeChMessage, payload))
	assert.Equal(t, int32(4), resp.ID)

	require.Eventually(t, func() bool {
		return len(rt.FramesOfType(protocol.TypeChMessage)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var msg protocol.MessageBroadcast
	require.NoError(t, msg.Decode(rt.FramesOfType(protocol.TypeChMessage)[0].Payload))
	assert.Equal(t, sender.ID, msg.SenderID)
	assert.Equal(t, uint32(9), msg.ReplyTo)
	assert.Equal(t, []byte("hello"), msg.Text)
}

func TestRouterLeave(t *testing.T) {
	router, _, channels := newTestRouter(t, 10)
	ch, _, err := channels.Create("general", false)
	require.NoError(t, err)

	client, _ := newTestClient(1, false)
	require.Equal(t, JoinSuccess, ch.Join(client))
	client.AddChannel(ch.ID)

	payload := encodePayload(t, &protocol.JoinRequest{ChannelID: ch.ID})
	resp := router.Handle(client, mkReq(5, protocol.TypeChLeave, payload))
	assert.Equal(t, int32(5), resp.ID)
	assert.False(t, client.IsMember(ch.ID))
	assert.Equal(t, 0, ch.MemberCount())

	// leaving again still succeeds
	resp = router.Handle(client, mkReq(6, protocol.TypeChLeave, payload))
	assert.Equal(t, int32(6), resp.ID)
}

func TestRouterUpdatePinRequiresModerator(t *testing.T) {
	router, _, channels := newTestRouter(t, 10)
	_, _, err := channels.Create("general", false)
	require.NoError(t, err)

	client, _ := newTestClient(1, false)
	payload := encodePayload(t, &protocol.ChannelUpdate{ChannelID: 1, Op: protocol.UpdatePin, Arg: []byte("psa")})
	resp := router.Handle(client, mkReq(1, protocol.TypeChUpdate, payload))
	assert.Equal(t, protocol.TypePermissionDenied, resp.Type)
}

func TestRouterUpdateRenameByAdmin(t *testing.T) {
	router, _, channels := newTestRouter(t, 10)
	ch, _, err := channels.Create("general", false)
	require.NoError(t, err)

	admin, _ := newTestClient(1, true)
	payload := encodePayload(t, &protocol.ChannelUpdate{ChannelID: ch.ID, Op: protocol.UpdateRename, Arg: []byte("lounge-two")})
	resp := router.Handle(admin, mkReq(3, protocol.TypeChUpdate, payload))
	assert.Equal(t, protocol.TypeChUpdate, resp.Type)
	assert.Equal(t, int32(3), resp.ID)
	assert.Equal(t, "lounge-two", ch.Name())
}

func TestRouterInviteNotifiesTarget(t *testing.T) {
	router, clients, channels := newTestRouter(t, 10)
	ch, _, err := channels.Create("vault", true)
	require.NoError(t, err)

	admin, _ := newTestClient(1, true)
	target, tt := newTestClient(2, false)
	registerTestClient(clients, target)

	payload := encodePayload(t, &protocol.ModerationTarget{ChannelID: ch.ID, TargetID: target.ID})
	resp := router.Handle(admin, mkReq(2, protocol.TypeChInvite, payload))
	assert.Equal(t, protocol.TypeChInvite, resp.Type)
	assert.Equal(t, int32(2), resp.ID)

	require.Eventually(t, func() bool {
		return len(tt.FramesOfType(protocol.TypeChInvite)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var info protocol.ChannelInfo
	require.NoError(t, info.Decode(tt.FramesOfType(protocol.TypeChInvite)[0].Payload))
	assert.Equal(t, ch.ID, info.ID)

	// and the invitation actually works
	assert.Equal(t, JoinSuccess, ch.Join(target))
}

func TestRouterInviteUnknownTarget(t *testing.T) {
	router, _, channels := newTestRouter(t, 10)
	_, _, err := channels.Create("vault", true)
	require.NoError(t, err)

	admin, _ := newTestClient(1, true)
	payload := encodePayload(t, &protocol.ModerationTarget{ChannelID: 1, TargetID: 99})
	resp := router.Handle(admin, mkReq(1, protocol.TypeChInvite, payload))
	assert.Equal(t, protocol.TypeNotFound, resp.Type)
}

func TestRouterKickMapsResults(t *testing.T) {
	router, _, channels := newTestRouter(t, 10)
	ch, _, err := channels.Create("general", false)
	require.NoError(t, err)

	admin, _ := newTestClient(1, true)
	member, _ := newTestClient(2, false)
	require.Equal(t, JoinSuccess, ch.Join(member))

	// unknown target
	payload := encodePayload(t, &protocol.ModerationTarget{ChannelID: ch.ID, TargetID: 99})
	resp := router.Handle(admin, mkReq(1, protocol.TypeChKick, payload))
	assert.Equal(t, protocol.TypeNotFound, resp.Type)

	// unauthorized actor
	payload = encodePayload(t, &protocol.ModerationTarget{ChannelID: ch.ID, TargetID: member.ID})
	resp = router.Handle(member, mkReq(2, protocol.TypeChKick, payload))
	assert.Equal(t, protocol.TypePermissionDenied, resp.Type)

	// success echoes the request
	resp = router.Handle(admin, mkReq(3, protocol.TypeChKick, payload))
	assert.Equal(t, protocol.TypeChKick, resp.Type)
	assert.Equal(t, int32(3), resp.ID)
}

func TestRouterDeleteChannel(t *testing.T) {
	router, _, channels := newTestRouter(t, 10)
	ch, _, err := channels.Create("doomed", false)
	require.NoError(t, err)

	member, mt := newTestClient(2, false)
	require.Equal(t, JoinSuccess, ch.Join(member))
	member.AddChannel(ch.ID)

	// non-admin denied
	nonAdmin, _ := newTestClient(3, false)
	payload := encodePayload(t, &protocol.JoinRequest{ChannelID: ch.ID})
	resp := router.Handle(nonAdmin, mkReq(1, protocol.TypeChDelete, payload))
	assert.Equal(t, protocol.TypePermissionDenied, resp.Type)

	admin, _ := newTestClient(1, true)
	resp = router.Handle(admin, mkReq(2, protocol.TypeChDelete, payload))
	assert.Equal(t, protocol.TypeChDelete, resp.Type)

	_, ok := channels.Find(ch.ID)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		return len(mt.FramesOfType(protocol.TypeChDelete)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, member.IsMember(ch.ID))
}

func TestRouterHeartbeat(t *testing.T) {
	router, _, _ := newTestRouter(t, 10)
	client, _ := newTestClient(1, false)

	resp := router.Handle(client, mkReq(9, protocol.TypeHeartbeat, nil))
	assert.Equal(t, protocol.TypeHeartbeat, resp.Type)
	assert.Equal(t, int32(9), resp.ID)
}

func TestRouterUnknownType(t *testing.T) {
	router, _, _ := newTestRouter(t, 10)
	client, _ := newTestClient(1, false)

	resp := router.Handle(client, mkReq(1, 0x77, nil))
	assert.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, int32(-1), resp.ID)
}

func TestRouterServerMessage(t *testing.T) {
	router, clients, _ := newTestRouter(t, 10)

	admin, _ := newTestClient(1, true)
	listener, lt := newTestClient(2, false)
	registerTestClient(clients, admin)
	registerTestClient(clients, listener)

	// non-admin denied
	resp := router.Handle(listener, mkReq(1, protocol.TypeSvrMessage, []byte("spam")))
	assert.Equal(t, protocol.TypePermissionDenied, resp.Type)

	resp = router.Handle(admin, mkReq(2, protocol.TypeSvrMessage, []byte("maintenance at noon")))
	assert.Equal(t, protocol.TypeSvrMessage, resp.Type)
	assert.Equal(t, int32(2), resp.ID)

	require.Eventually(t, func() bool {
		return len(lt.FramesOfType(protocol.TypeSvrMessage)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var msg protocol.ServerMessage
	require.NoError(t, msg.Decode(lt.FramesOfType(protocol.TypeSvrMessage)[0].Payload))
	assert.Equal(t, admin.ID, msg.SenderID)
	assert.Equal(t, []byte("maintenance at noon"), msg.Text)
}

func TestRouterServerBan(t *testing.T) {
	router, clients, _ := newTestRouter(t, 10)

	admin, _ := newTestClient(1, true)
	target, tt := newTestClient(2, false)
	registerTestClient(clients, admin)
	registerTestClient(clients, target)

	payload := encodePayload(t, &protocol.ClientTarget{TargetID: target.ID})
	resp := router.Handle(admin, mkReq(1, protocol.TypeSvrBanned, payload))
	assert.Equal(t, protocol.TypeSvrBanned, resp.Type)

	require.Len(t, tt.FramesOfType(protocol.TypeSvrBanned), 1)
	assert.False(t, target.Connected())
	_, ok := clients.FindByID(target.ID)
	assert.False(t, ok)
}

func TestRouterDisconnectCascades(t *testing.T) {
	router, clients, channels := newTestRouter(t, 10)
	ch, _, err := channels.Create("general", false)
	require.NoError(t, err)

	client, _ := newTestClient(1, false)
	registerTestClient(clients, client)
	require.Equal(t, JoinSuccess, ch.Join(client))
	client.AddChannel(ch.ID)

	resp := router.Handle(client, mkReq(1, protocol.TypeSvrDisconnect, nil))
	assert.True(t, resp.Empty(), "disconnect produces the do-not-transmit sentinel")

	assert.False(t, client.Connected())
	assert.Equal(t, 0, ch.MemberCount())
	_, ok := clients.FindByID(client.ID)
	assert.False(t, ok)
}
