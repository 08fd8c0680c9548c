package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"em2/pkg/api/handlers"
	"em2/pkg/auth"
	"em2/pkg/cache"
	"em2/pkg/engine"
	"em2/pkg/hashid"
	"em2/pkg/models"
	"em2/pkg/store"
)

type fakeDNS struct {
	mx  map[string][]*net.MX
	txt map[string][]string
}

func (d *fakeDNS) LookupMX(_ context.Context, domain string) ([]*net.MX, error) {
	recs, ok := d.mx[domain]
	if !ok {
		return nil, errors.New("no such host")
	}
	return recs, nil
}

func (d *fakeDNS) LookupTXT(_ context.Context, name string) ([]string, error) {
	recs, ok := d.txt[name]
	if !ok {
		return nil, errors.New("no such host")
	}
	return recs, nil
}

type nopPropagator struct{}

func (nopPropagator) Propagate(context.Context, engine.Job) error { return nil }

var (
	keyOnce     sync.Once
	receiverKey *rsa.PrivateKey
	senderKey   *rsa.PrivateKey
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if receiverKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if senderKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return receiverKey, senderKey
}

// testServer serves platform a.com; the returned sender authenticator plays
// platform b.com pushing into it.
func testServer(t *testing.T) (*httptest.Server, *handlers.Deps, *auth.Authenticator) {
	t.Helper()
	recvKey, sendKey := testKeys(t)

	sender := auth.New(&fakeDNS{}, cache.NewMemory(), auth.Config{LocalDomain: "b.com", Key: sendKey})
	senderTXT, err := sender.PublicKeyTXT()
	require.NoError(t, err)

	dns := &fakeDNS{
		mx: map[string][]*net.MX{
			"a.com": {{Host: "a.com.", Pref: 10}},
			"b.com": {{Host: "b.com.", Pref: 10}},
		},
		txt: map[string][]string{"b.com": {senderTXT}},
	}
	st := store.NewMemStore()
	deps := &handlers.Deps{
		Engine:  engine.New(st, nopPropagator{}),
		Store:   st,
		Auth:    auth.New(dns, cache.NewMemory(), auth.Config{LocalDomain: "a.com", Key: recvKey}),
		APIKeys: map[string]struct{}{"secret-key": {}},
		Domain:  "a.com",
	}
	srv := httptest.NewServer(NewRouter(deps, Options{}))
	t.Cleanup(srv.Close)
	return srv, deps, sender
}

func doJSON(t *testing.T, method, url string, headers map[string]string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func keyed(actor string) map[string]string {
	return map[string]string{"em2-api-key": "secret-key", "em2-actor": actor}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := testServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}

func TestDomesticRequiresAPIKey(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/conversations", nil, map[string]any{"subject": "s"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/conversations",
		map[string]string{"em2-api-key": "wrong"}, map[string]any{"subject": "s"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDomesticRejectsForeignActor(t *testing.T) {
	srv, _, _ := testServer(t)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/conversations", keyed("carol@c.com"),
		map[string]any{"subject": "s"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestConversationLifecycle(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/conversations", keyed("alice@a.com"),
		map[string]any{"subject": "trip plans", "body": "who is in?"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	draft, _ := body["conv"].(string)
	require.Len(t, draft, 64)
	require.Equal(t, string(models.StatusDraft), body["status"])

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/conversations/"+draft+"/participants/add",
		keyed("alice@a.com"), map[string]any{"address": "bob@b.com", "permissions": "write"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/conversations/"+draft+"/conversations/publish",
		keyed("alice@a.com"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	published, _ := body["conv"].(string)
	require.Len(t, published, 64)
	require.NotEqual(t, draft, published)
	require.Equal(t, string(models.StatusActive), body["status"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/conversations", keyed("alice@a.com"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []any{published}, body["conversations"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/conversations/"+published, keyed("alice@a.com"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv, ok := body["conversation"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "trip plans", conv["subject"])
	require.Len(t, body["participants"], 2)
	require.Len(t, body["messages"], 1)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/conversations/"+published[:10], keyed("alice@a.com"), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func authHeaders(t *testing.T, sender *auth.Authenticator) map[string]string {
	t.Helper()
	ad, err := sender.GetAuthData()
	require.NoError(t, err)
	return map[string]string{
		"platform":  ad.Platform,
		"timestamp": strconv.FormatInt(ad.Timestamp, 10),
		"signature": ad.Signature,
	}
}

func TestAuthenticateHandshake(t *testing.T) {
	srv, _, sender := testServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/authenticate", authHeaders(t, sender), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token := resp.Header.Get("em2-key")
	require.NotEmpty(t, token)
	require.Equal(t, token, body["key"])

	h := authHeaders(t, sender)
	h["signature"] = "AAAA"
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/authenticate", h, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/authenticate", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// seedPublished builds an active conversation with a remote writer.
func seedPublished(t *testing.T, deps *handlers.Deps) (conv, rootMsg string) {
	t.Helper()
	ctx := context.Background()
	res, err := deps.Engine.Apply(ctx, &models.Action{
		Actor: "alice@a.com", Component: models.CompConversations, Verb: models.VerbAdd,
		Body: map[string]any{"subject": "trip plans", "body": "who is in?"},
	})
	require.NoError(t, err)
	_, err = deps.Engine.Apply(ctx, &models.Action{
		Actor: "alice@a.com", Conv: res.Conv, Component: models.CompParticipants, Verb: models.VerbAdd,
		Body: map[string]any{"address": "bob@b.com", "permissions": "write"},
	})
	require.NoError(t, err)
	pub, err := deps.Engine.Apply(ctx, &models.Action{
		Actor: "alice@a.com", Conv: res.Conv, Component: models.CompConversations, Verb: models.VerbPublish,
		Body: map[string]any{},
	})
	require.NoError(t, err)

	msgs, err := deps.Store.Messages(ctx, pub.Conv)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return pub.Conv, msgs[0].ID
}

func TestForeignMessageAdd(t *testing.T) {
	srv, deps, sender := testServer(t)
	conv, root := seedPublished(t, deps)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/authenticate", authHeaders(t, sender), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token := resp.Header.Get("em2-key")

	ts := time.Now().Add(time.Second).UTC()
	action := &models.Action{
		Actor: "bob@b.com", Conv: conv, Component: models.CompMessages, Verb: models.VerbAdd,
		Item: models.MsgID("bob@b.com", ts, "count me in", root), Timestamp: ts,
	}
	action.EventID = action.ComputeEventID()

	headers := map[string]string{
		"em2-auth":      token,
		"em2-actor":     "bob@b.com",
		"em2-timestamp": hashid.TS(ts),
		"em2-event-id":  action.EventID,
	}
	url := srv.URL + "/" + conv + "/messages/add/" + action.Item
	resp, body := doJSON(t, http.MethodPost, url, headers, map[string]any{"body": "count me in", "parent": root})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, action.EventID, body["event_id"])

	msgs, err := deps.Store.Messages(context.Background(), conv)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// a replay of the same event is rejected
	resp, _ = doJSON(t, http.MethodPost, url, headers, map[string]any{"body": "count me in", "parent": root})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestForeignActionRejections(t *testing.T) {
	srv, deps, sender := testServer(t)
	conv, root := seedPublished(t, deps)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/authenticate", authHeaders(t, sender), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token := resp.Header.Get("em2-key")

	ts := time.Now().Add(time.Second).UTC()
	action := &models.Action{
		Actor: "bob@b.com", Conv: conv, Component: models.CompMessages, Verb: models.VerbAdd,
		Item: models.MsgID("bob@b.com", ts, "count me in", root), Timestamp: ts,
	}
	action.EventID = action.ComputeEventID()
	url := srv.URL + "/" + conv + "/messages/add/" + action.Item
	payload := map[string]any{"body": "count me in", "parent": root}
	good := map[string]string{
		"em2-auth":      token,
		"em2-actor":     "bob@b.com",
		"em2-timestamp": hashid.TS(ts),
		"em2-event-id":  action.EventID,
	}

	withHeader := func(k, v string) map[string]string {
		h := map[string]string{}
		for hk, hv := range good {
			h[hk] = hv
		}
		if v == "" {
			delete(h, k)
		} else {
			h[k] = v
		}
		return h
	}

	resp, _ = doJSON(t, http.MethodPost, url, withHeader("em2-auth", "bogus-token"), payload)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, url, withHeader("em2-actor", "mallory@evil.com"), payload)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, url, withHeader("em2-timestamp", "yesterday"), payload)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, url, withHeader("em2-event-id", hashid.Hash("not", "it")), payload)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// tampered body no longer matches the message id
	resp, _ = doJSON(t, http.MethodPost, url, good, map[string]any{"body": "changed", "parent": root})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
