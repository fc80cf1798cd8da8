package mime

import (
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionUsesConfiguredHTTPClient(t *testing.T) {
	cfg := DefaultTestConfig(t)
	custom := &http.Client{Timeout: 42 * time.Second}
	cfg.HTTPClient = custom

	m, err := New(cfg)
	require.NoError(t, err)

	session, err := m.discord.newSession()
	require.NoError(t, err)

	ds, ok := session.(DiscordSession)
	require.True(t, ok)
	assert.Same(t, custom, ds.session.Client)
	assert.Equal(t, cfg.Discord.GatewayIntents, ds.session.Identify.Intents)
	assert.True(t, ds.session.SyncEvents)
	assert.False(t, ds.session.StateEnabled)
}

func TestHandlerReadyStoresUsername(t *testing.T) {
	m, _, _ := newTestBot(t)
	assert.Empty(t, m.discord.username())

	m.discord.handlerReady()(
		nil,
		&discordgo.Ready{
			SessionID: "abc123",
			User: &discordgo.User{
				ID:       testApplicationID,
				Username: "mime",
			},
		},
	)
	assert.Equal(t, "mime", m.discord.username())
}

func TestMessageMentionsUser(t *testing.T) {
	msg := newTestMessage(
		"<@4444444444> hello",
		&discordgo.User{ID: "4444444444"},
	)
	assert.True(t, messageMentionsUser(msg.Message, "4444444444"))
	assert.False(t, messageMentionsUser(msg.Message, testApplicationID))
	assert.False(t, messageMentionsUser(nil, "4444444444"))
}
