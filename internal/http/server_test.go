package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"tabletraft/internal/transport"
	"tabletraft/pkg/consensus"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

// fakeTablet is an in-memory tablet that can pretend to be a follower.
type fakeTablet struct {
	mu       sync.Mutex
	m        map[string]string
	follower bool
}

func newFakeTablet() *fakeTablet {
	return &fakeTablet{m: make(map[string]string)}
}

func (f *fakeTablet) notLeader() error {
	if f.follower {
		return rafterrors.WithCode(rafterrors.CodeNotTheLeader, rafterrors.ErrNotLeader)
	}
	return nil
}

func (f *fakeTablet) Put(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.notLeader(); err != nil {
		return err
	}
	f.m[key] = value
	return nil
}

func (f *fakeTablet) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.notLeader(); err != nil {
		return err
	}
	delete(f.m, key)
	return nil
}

func (f *fakeTablet) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.notLeader(); err != nil {
		return "", false, err
	}
	v, ok := f.m[key]
	return v, ok, nil
}

// fakeConsensus records RPCs and serves a fixed state.
type fakeConsensus struct {
	state     consensus.ConsensusState
	updates   []*consensus.ConsensusRequest
	changeErr error
	stepDown  *consensus.StepDownResponse
}

func (f *fakeConsensus) Update(_ context.Context, req *consensus.ConsensusRequest) (*consensus.ConsensusResponse, error) {
	f.updates = append(f.updates, req)
	return &consensus.ConsensusResponse{
		ResponderUUID: f.state.PeerUUID,
		ResponderTerm: f.state.CurrentTerm,
		Status:        consensus.ConsensusStatus{LastReceived: req.PrecedingID},
	}, nil
}

func (f *fakeConsensus) RequestVote(req *consensus.VoteRequest) (*consensus.VoteResponse, error) {
	return &consensus.VoteResponse{
		ResponderUUID: f.state.PeerUUID,
		ResponderTerm: req.CandidateTerm,
		VoteGranted:   true,
		Preelection:   req.Preelection,
	}, nil
}

func (f *fakeConsensus) RunLeaderElection(*consensus.RunLeaderElectionRequest) error {
	return rafterrors.Newf(rafterrors.CodeTabletNotFound, rafterrors.ErrNotFound, "no such tablet")
}

func (f *fakeConsensus) LeaderElectionLost(*consensus.LeaderElectionLostRequest) error {
	return nil
}

func (f *fakeConsensus) StepDown(*consensus.StepDownRequest) (*consensus.StepDownResponse, error) {
	if f.stepDown != nil {
		return f.stepDown, nil
	}
	return &consensus.StepDownResponse{}, nil
}

func (f *fakeConsensus) ChangeConfig(_ *consensus.ChangeConfigRequest, onComplete func(error)) error {
	if f.changeErr != nil {
		return f.changeErr
	}
	go onComplete(nil)
	return nil
}

func (f *fakeConsensus) ConsensusState() consensus.ConsensusState { return f.state }

func (f *fakeConsensus) LeaderStatus() consensus.LeaderStatus {
	if f.state.Role == consensus.RoleLeader {
		return consensus.LeaderAndReady
	}
	return consensus.NotLeader
}

func newTestServer() (*Server, *fakeConsensus, *fakeTablet) {
	c := &fakeConsensus{state: consensus.ConsensusState{
		TabletID:    "t1",
		PeerUUID:    "a",
		CurrentTerm: 4,
		LeaderUUID:  "a",
		Role:        consensus.RoleLeader,
		Config: consensus.RaftConfig{Peers: []consensus.RaftPeer{
			{UUID: "a", Address: "10.0.0.1:8080", MemberType: consensus.MemberVoter},
			{UUID: "b", Address: "10.0.0.2:8080", MemberType: consensus.MemberVoter},
		}},
	}}
	tb := newFakeTablet()
	return NewServer(c, tb, ""), c, tb
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Reply {
	t.Helper()
	var resp Reply
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func putRequest(key, value string) *http.Request {
	form := url.Values{}
	form.Set("key", key)
	form.Set("value", value)
	req := httptest.NewRequest(http.MethodPut, "/api/string", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestHealthHandler(t *testing.T) {
	s, _, _ := newTestServer()
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr); !resp.OK || resp.Error != nil {
		t.Fatalf("expected ok, got %+v", resp)
	}
}

func TestPutGetDeleteFlow(t *testing.T) {
	s, _, _ := newTestServer()

	rr := serve(s, putRequest("foo", "bar"))
	if rr.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/string?key=foo", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr); resp.Value != "bar" {
		t.Fatalf("get: expected value 'bar', got '%s'", resp.Value)
	}

	rr = serve(s, httptest.NewRequest(http.MethodDelete, "/api?key=foo", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/string?key=foo", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestMissingParams(t *testing.T) {
	s, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPut, "/api/string", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rr := serve(s, req); rr.Code != http.StatusBadRequest {
		t.Fatalf("put-missing: expected 400, got %d", rr.Code)
	}
	if rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/string", nil)); rr.Code != http.StatusBadRequest {
		t.Fatalf("get-missing: expected 400, got %d", rr.Code)
	}
	if rr := serve(s, httptest.NewRequest(http.MethodDelete, "/api", nil)); rr.Code != http.StatusBadRequest {
		t.Fatalf("delete-missing: expected 400, got %d", rr.Code)
	}
	if rr := serve(s, httptest.NewRequest(http.MethodPost, "/health", nil)); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("post-health: expected 405, got %d", rr.Code)
	}
}

func TestFollowerRedirectsToLeader(t *testing.T) {
	s, c, tb := newTestServer()
	c.state.PeerUUID = "a"
	c.state.LeaderUUID = "b"
	c.state.Role = consensus.RoleFollower
	tb.follower = true

	rr := serve(s, putRequest("foo", "bar"))
	if rr.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d body=%s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "http://10.0.0.2:8080/api/string" {
		t.Fatalf("unexpected redirect target %q", loc)
	}

	c.state.LeaderUUID = ""
	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/string?key=foo", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a known leader, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr); resp.OK || resp.Error == nil || resp.Error.Code != rafterrors.CodeNotTheLeader {
		t.Fatalf("expected NOT_THE_LEADER, got %+v", resp)
	}
}

func TestErrorReplyStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   rafterrors.Code
	}{
		{fmt.Errorf("put: %w", rafterrors.ErrNotLeader), http.StatusServiceUnavailable, rafterrors.CodeNotTheLeader},
		{rafterrors.ErrLeaderHasNoLease, http.StatusServiceUnavailable, rafterrors.CodeUnknown},
		{rafterrors.ErrTimedOut, http.StatusGatewayTimeout, rafterrors.CodeUnknown},
		{rafterrors.Newf(rafterrors.CodeTabletNotFound, rafterrors.ErrNotFound, "t9"), http.StatusBadRequest, rafterrors.CodeTabletNotFound},
		{rafterrors.Newf(rafterrors.CodeCASFailed, rafterrors.ErrIllegalState, "stale"), http.StatusConflict, rafterrors.CodeCASFailed},
		{rafterrors.ErrCorruption, http.StatusInternalServerError, rafterrors.CodeUnknown},
	}
	for _, tc := range cases {
		status, reply := errorReply(tc.err)
		if status != tc.status {
			t.Errorf("%v: expected status %d, got %d", tc.err, tc.status, status)
		}
		if reply.OK || reply.Error == nil || reply.Error.Code != tc.code || reply.Error.Message != tc.err.Error() {
			t.Errorf("%v: unexpected reply %+v", tc.err, reply.Error)
		}
	}
}

func TestNotLeaderReplyNamesUnreachableLeader(t *testing.T) {
	s, c, tb := newTestServer()
	c.state.PeerUUID = "a"
	c.state.LeaderUUID = "z"
	c.state.Role = consensus.RoleFollower
	tb.follower = true

	rr := serve(s, putRequest("foo", "bar"))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", rr.Code, rr.Body.String())
	}
	resp := decodeResp(t, rr)
	if resp.Error == nil || resp.Error.Code != rafterrors.CodeNotTheLeader || resp.Error.Leader != "z" {
		t.Fatalf("expected NOT_THE_LEADER naming z, got %+v", resp.Error)
	}
}

func TestConsensusUpdateEndpoint(t *testing.T) {
	s, c, _ := newTestServer()
	body, _ := json.Marshal(consensus.ConsensusRequest{
		TabletID:    "t1",
		CallerUUID:  "b",
		CallerTerm:  4,
		PrecedingID: types.NewOpID(4, 10),
	})
	rr := serve(s, httptest.NewRequest(http.MethodPost, transport.UpdatePath, bytes.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp consensus.ConsensusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status.LastReceived != types.NewOpID(4, 10) || len(c.updates) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}

	rr = serve(s, httptest.NewRequest(http.MethodPost, transport.UpdatePath, strings.NewReader("{")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a broken body, got %d", rr.Code)
	}
}

func TestRunElectionReportsCodedError(t *testing.T) {
	s, _, _ := newTestServer()
	body, _ := json.Marshal(consensus.RunLeaderElectionRequest{TabletID: "other"})
	rr := serve(s, httptest.NewRequest(http.MethodPost, transport.RunElectionPath, bytes.NewReader(body)))
	var resp consensus.RunLeaderElectionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != rafterrors.CodeTabletNotFound {
		t.Fatalf("expected TABLET_NOT_FOUND, got %+v", resp.Error)
	}
}

func TestAdminEndpoints(t *testing.T) {
	s, c, _ := newTestServer()
	body, _ := json.Marshal(consensus.ChangeConfigRequest{
		TabletID: "t1",
		Type:     consensus.AddServer,
		Server:   consensus.RaftPeer{UUID: "c", Address: "10.0.0.3:8080", MemberType: consensus.MemberPreVoter},
	})
	rr := serve(s, httptest.NewRequest(http.MethodPost, "/api/admin/change-config", bytes.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("change config: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	c.changeErr = rafterrors.Newf(rafterrors.CodeCASFailed, rafterrors.ErrIllegalState, "stale config")
	rr = serve(s, httptest.NewRequest(http.MethodPost, "/api/admin/change-config", bytes.NewReader(body)))
	if rr.Code != http.StatusConflict {
		t.Fatalf("change config: expected 409, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr); resp.Error == nil || resp.Error.Code != rafterrors.CodeCASFailed {
		t.Fatalf("expected CAS_FAILED, got %+v", resp.Error)
	}

	c.stepDown = &consensus.StepDownResponse{Error: &consensus.ServerError{Code: rafterrors.CodeNotTheLeader, Message: "not leader"}}
	rr = serve(s, httptest.NewRequest(http.MethodPost, "/api/admin/step-down", strings.NewReader(`{"tablet_id":"t1"}`)))
	if rr.Code != http.StatusConflict {
		t.Fatalf("step down: expected 409, got %d", rr.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, _, _ := newTestServer()
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), fmt.Sprintf("%q", consensus.LeaderAndReady.String())) {
		t.Fatalf("leader status missing from %s", rr.Body.String())
	}
}

// The proxy and the server speak the same wire format.
func TestProxyAgainstServer(t *testing.T) {
	s, _, _ := newTestServer()
	srv := httptest.NewServer(s.createRouter())
	defer srv.Close()

	proxy, err := transport.NewFactory(transport.Options{}).NewProxy(consensus.RaftPeer{UUID: "a", Address: srv.URL})
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	resp, err := proxy.RequestVote(context.Background(), &consensus.VoteRequest{
		CandidateUUID: "b",
		CandidateTerm: 5,
		Preelection:   true,
	})
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if !resp.VoteGranted || !resp.Preelection || resp.ResponderTerm != 5 {
		t.Fatalf("unexpected vote response %+v", resp)
	}
}
