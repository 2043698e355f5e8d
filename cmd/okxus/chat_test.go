package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	okxus "github.com/okxus/okxus/sdk/golang"
	"github.com/okxus/okxus/sdk/golang/internal/mockbridge"
)

func newBufferUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestRunREPL_Offline(t *testing.T) {
	client := okxus.NewClient(okxus.RealtimeConfig{})
	session := okxus.NewChatSession(client, okxus.NewMemoryStorage())
	defer session.Close()
	ui, _, errOut := newBufferUI()

	in := strings.NewReader("hello\n\n/approve\n/quit\nnever sent\n")
	require.NoError(t, runREPL(context.Background(), in, ui, session))

	assert.Contains(t, errOut.String(), "Not connected")
	assert.Contains(t, errOut.String(), "Nothing to approve")
	assert.NotContains(t, errOut.String(), "never sent")
	assert.Empty(t, session.Messages())
}

func TestRunREPL_StopsAtEOF(t *testing.T) {
	client := okxus.NewClient(okxus.RealtimeConfig{})
	session := okxus.NewChatSession(client, okxus.NewMemoryStorage())
	defer session.Close()
	ui, _, _ := newBufferUI()

	assert.NoError(t, runREPL(context.Background(), strings.NewReader(""), ui, session))
}

func TestRunREPL_AgainstMockBridge(t *testing.T) {
	bridge := mockbridge.New(mockbridge.Config{Token: "secret"})
	ts := httptest.NewServer(bridge.Handler())
	defer ts.Close()

	ctx := context.Background()
	store := okxus.NewMemoryStorage()
	require.NoError(t, store.SaveURL(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws"))
	require.NoError(t, store.SaveToken(ctx, "secret"))

	client := okxus.NewClient(okxus.RealtimeConfig{})
	defer client.Disconnect()
	session := okxus.NewChatSession(client, store)
	defer session.Close()

	ui, _, _ := newBufferUI()
	attachTranscript(ui, client, session)
	require.NoError(t, session.Start(ctx))

	require.NoError(t, runREPL(ctx, strings.NewReader("ping\n/quit\n"), ui, session))

	require.Eventually(t, func() bool { return len(session.Messages()) == 2 }, 5*time.Second, 10*time.Millisecond)
	msgs := session.Messages()
	assert.Equal(t, okxus.SenderUser, msgs[0].Sender)
	assert.Equal(t, "echo: ping", msgs[1].Content)

	stored, err := store.LoadMessages(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}
