package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/internal/chainsync"
	"github.com/cellchain/cellchain/internal/engine"
	"github.com/cellchain/cellchain/internal/pending"
	"github.com/cellchain/cellchain/internal/store"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/types"
	"github.com/cellchain/cellchain/version"
)

const testCellID = "rpc_test_cell"

// fakeEngine stores submitted entries in the pending store.
type fakeEngine struct {
	cell    *types.Cell
	pending pending.Store
	nextID  types.OperationID
	status  engine.Status
}

func (e *fakeEngine) Status() engine.Status { return e.status }

func (e *fakeEngine) SubmitEntry(ctx context.Context, data []byte) (*types.Operation, error) {
	if len(data) == 0 {
		return nil, engine.ErrEmptyEntry
	}
	e.nextID++
	op, err := types.MakeSignedEntry(e.cell.Key(), e.nextID, data)
	if err != nil {
		return nil, err
	}
	return op, e.pending.PutOperation(op)
}

type testEnv struct {
	env     *Environment
	engine  *fakeEngine
	chain   *store.BlockStore
	pending *pending.DBStore
	cell    *types.Cell
}

func newTestEnv(t *testing.T) *testEnv {
	cells, err := types.MakeCells(testCellID, 1)
	require.NoError(t, err)
	cell := cells[0]

	chain := store.NewBlockStore(dbm.NewMemDB())
	require.NoError(t, chain.InitChain(testCellID))
	pendingStore := pending.NewDBStore(dbm.NewMemDB())

	fe := &fakeEngine{
		cell:    cell,
		pending: pendingStore,
		nextID:  types.OperationID(1646136000000000000),
		status: engine.Status{
			NodeID:     cell.LocalNodeID(),
			CellID:     testCellID,
			SyncStatus: chainsync.StatusSynchronized,
			Leader:     cell.LocalNodeID(),
		},
	}
	return &testEnv{
		env: &Environment{
			Engine:       fe,
			Chain:        chain,
			PendingStore: pendingStore,
			Logger:       log.TestingLogger(),
		},
		engine:  fe,
		chain:   chain,
		pending: pendingStore,
		cell:    cell,
	}
}

// commit writes a block holding ops on top of the chain.
func (te *testEnv) commit(t *testing.T, ops ...*types.Operation) *types.Block {
	last, err := te.chain.GetLastBlock()
	require.NoError(t, err)
	id := ops[len(ops)-1].ID + 1
	block, err := types.NewBlockProposal(last, id, te.cell.LocalNodeID(), ops, te.cell.ChainNodeIDs())
	require.NoError(t, err)
	require.NoError(t, block.SetSignatures([]types.BlockSignature{{
		NodeID:    te.cell.LocalNodeID(),
		Signature: te.cell.Key().Sign(block.SignBytes()),
	}}))
	_, err = te.chain.WriteBlock(block)
	require.NoError(t, err)
	return block
}

func getJSON(t *testing.T, url string, status int, v interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, status, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, v))
}

func TestStatus(t *testing.T) {
	te := newTestEnv(t)
	genesis, err := te.chain.GetLastBlock()
	require.NoError(t, err)
	meta := types.NewBlockMetadata(genesis)
	te.engine.status.LastBlock = &meta

	srv := httptest.NewServer(NewHandler(te.env))
	defer srv.Close()

	_, err = te.engine.SubmitEntry(context.Background(), []byte("pending"))
	require.NoError(t, err)

	var res ResultStatus
	getJSON(t, srv.URL+"/status", http.StatusOK, &res)
	assert.Equal(t, te.cell.LocalNodeID(), res.NodeID)
	assert.Equal(t, testCellID, res.CellID)
	assert.Equal(t, "synchronized", res.SyncStatus)
	assert.Equal(t, uint64(0), res.LatestBlockHeight)
	assert.Equal(t, genesis.Hash(), []byte(res.LatestBlockHash))
	assert.Equal(t, 1, res.PendingOperations)
	assert.Equal(t, version.Current(), res.Version)
}

func TestSubmitAndGetEntry(t *testing.T) {
	te := newTestEnv(t)
	srv := httptest.NewServer(NewHandler(te.env))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/entry", "application/json", strings.NewReader(`{"data":"aGVsbG8="}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var submitted ResultEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	assert.Equal(t, te.cell.LocalNodeID(), submitted.NodeID)

	url := fmt.Sprintf("%s/entry?id=%d", srv.URL, submitted.ID)
	var entry ResultEntry
	getJSON(t, url, http.StatusOK, &entry)
	assert.Equal(t, []byte("hello"), entry.Data)
	assert.False(t, entry.Committed)

	stored, err := te.pending.GetOperation(submitted.ID)
	require.NoError(t, err)
	block := te.commit(t, stored.Operation)

	getJSON(t, url, http.StatusOK, &entry)
	assert.True(t, entry.Committed)
	assert.Equal(t, block.Offset(), entry.Offset)
	assert.Equal(t, uint64(1), entry.Height)

	// once cleaned from the pending store, the entry is read from the chain
	require.NoError(t, te.pending.DeleteOperation(submitted.ID))
	entry = ResultEntry{}
	getJSON(t, url, http.StatusOK, &entry)
	assert.True(t, entry.Committed)
	assert.Equal(t, []byte("hello"), entry.Data)
}

func TestEntryErrors(t *testing.T) {
	te := newTestEnv(t)
	srv := httptest.NewServer(NewHandler(te.env))
	defer srv.Close()

	testcases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"missing id", http.MethodGet, "/entry", "", http.StatusBadRequest},
		{"invalid id", http.MethodGet, "/entry?id=abc", "", http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/entry?id=42", "", http.StatusNotFound},
		{"malformed body", http.MethodPost, "/entry", "{", http.StatusBadRequest},
		{"empty entry", http.MethodPost, "/entry", `{"data":""}`, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/entry?id=1", "", http.StatusMethodNotAllowed},
		{"unknown block", http.MethodGet, "/block?offset=12345", "", http.StatusNotFound},
		{"post status", http.MethodPost, "/status", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, srv.URL+tc.path, strings.NewReader(tc.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)

			var res ResultError
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
			assert.NotEmpty(t, res.Error)
		})
	}
}

func TestGetBlock(t *testing.T) {
	te := newTestEnv(t)
	srv := httptest.NewServer(NewHandler(te.env))
	defer srv.Close()

	first, err := te.engine.SubmitEntry(context.Background(), []byte("first"))
	require.NoError(t, err)
	second, err := te.engine.SubmitEntry(context.Background(), []byte("second"))
	require.NoError(t, err)
	block := te.commit(t, first, second)

	var last ResultBlock
	getJSON(t, srv.URL+"/block", http.StatusOK, &last)
	assert.Equal(t, block.Offset(), last.Offset)
	assert.Equal(t, block.Hash(), []byte(last.Hash))
	assert.Equal(t, block.NextOffset(), last.NextOffset)
	require.Len(t, last.Entries, 2)
	assert.Equal(t, []byte("first"), last.Entries[0].Data)
	require.Len(t, last.Signatures, 1)
	assert.Equal(t, te.cell.LocalNodeID(), last.Signatures[0].NodeID)

	var genesis ResultBlock
	getJSON(t, srv.URL+"/block?offset=0", http.StatusOK, &genesis)
	assert.Equal(t, uint64(0), genesis.Height)
	assert.Equal(t, last.PreviousHash, genesis.Hash)
	assert.Empty(t, genesis.Entries)
}

func TestServer(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	te := newTestEnv(t)
	cfg := config.TestRPCConfig()
	cfg.ListenAddress = "tcp://127.0.0.1:0"
	cfg.CORSAllowedOrigins = []string{"*"}
	cfg.MaxBodyBytes = 16

	srv := NewServer(log.TestingLogger(), cfg, te.env)
	require.NoError(t, srv.Start(ctx))
	url := "http://" + srv.Addr().String()

	req, err := http.NewRequest(http.MethodGet, url+"/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, resp.Header.Get("X-Server-Time"))

	body := bytes.NewReader([]byte(`{"data":"` + strings.Repeat("A", 64) + `"}`))
	resp, err = http.Post(url+"/entry", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body larger than max_body_bytes")

	http.DefaultClient.CloseIdleConnections()
	require.NoError(t, srv.Stop())
	_, err = (&http.Client{Timeout: time.Second}).Get(url + "/status")
	require.Error(t, err)
}
