package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cellchain/cellchain/internal/engine"
	"github.com/cellchain/cellchain/internal/pending"
	"github.com/cellchain/cellchain/internal/store"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/types"
	"github.com/cellchain/cellchain/version"
)

// NodeEngine is the part of the engine the RPC server uses.
type NodeEngine interface {
	Status() engine.Status
	SubmitEntry(ctx context.Context, data []byte) (*types.Operation, error)
}

// Environment contains the objects the routes read from.
type Environment struct {
	Engine       NodeEngine
	Chain        store.ChainStore
	PendingStore pending.Store
	Logger       log.Logger
}

// errNotFound is reported with a 404.
var errNotFound = errors.New("not found")

// badRequest errors are reported with a 400.
type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

// routeFunc handles a request and returns the value sent back as JSON.
type routeFunc func(r *http.Request) (interface{}, error)

// NewHandler registers the routes of env.
func NewHandler(env *Environment) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/status", env.route(http.MethodGet, env.status))
	mux.Handle("/entry", env.entryRoute())
	mux.Handle("/block", env.route(http.MethodGet, env.block))
	return mux
}

func (env *Environment) route(method string, f routeFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && !(method == http.MethodGet && r.Method == http.MethodHead) {
			w.Header().Set("Allow", method)
			env.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		res, err := f(r)
		if err != nil {
			var br badRequest
			switch {
			case errors.As(err, &br):
				env.writeError(w, http.StatusBadRequest, err)
			case errors.Is(err, errNotFound), errors.Is(err, store.ErrBlockNotFound):
				env.writeError(w, http.StatusNotFound, err)
			case errors.Is(err, engine.ErrEmptyEntry):
				env.writeError(w, http.StatusBadRequest, err)
			default:
				env.Logger.Error("rpc request failed", "path", r.URL.Path, "err", err)
				env.writeError(w, http.StatusInternalServerError, err)
			}
			return
		}
		env.writeJSON(w, http.StatusOK, res)
	})
}

func (env *Environment) entryRoute() http.Handler {
	get := env.route(http.MethodGet, env.entry)
	post := env.route(http.MethodPost, env.submitEntry)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			post.ServeHTTP(w, r)
			return
		}
		get.ServeHTTP(w, r)
	})
}

func (env *Environment) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		env.Logger.Error("failed to write rpc response", "err", err)
	}
}

func (env *Environment) writeError(w http.ResponseWriter, status int, err error) {
	env.writeJSON(w, status, ResultError{Error: err.Error()})
}

// GET /status
func (env *Environment) status(r *http.Request) (interface{}, error) {
	st := env.Engine.Status()
	res := &ResultStatus{
		NodeID:     st.NodeID,
		CellID:     st.CellID,
		SyncStatus: st.SyncStatus.String(),
		Leader:     st.Leader,
		LastTick:   st.LastTick,
		LastError:  st.LastError,
		Version:    version.Current(),
	}
	if st.LastBlock != nil {
		res.LatestBlockOffset = st.LastBlock.Offset
		res.LatestBlockHeight = st.LastBlock.Height
		res.LatestBlockHash = st.LastBlock.BlockHash
	}

	ops, err := pending.CollectOperations(env.PendingStore, 0, 0)
	if err != nil {
		return nil, err
	}
	res.PendingOperations = len(ops)
	return res, nil
}

// POST /entry {"data": <base64>}
func (env *Environment) submitEntry(r *http.Request) (interface{}, error) {
	var req RequestSubmitEntry
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, badRequest{fmt.Errorf("decoding request: %w", err)}
	}
	op, err := env.Engine.SubmitEntry(r.Context(), req.Data)
	if err != nil {
		return nil, err
	}
	return &ResultEntry{ID: op.ID, NodeID: op.NodeID}, nil
}

// GET /entry?id=<operation id>
func (env *Environment) entry(r *http.Request) (interface{}, error) {
	id, err := parseUint(r, "id")
	if err != nil {
		return nil, err
	}
	opID := types.OperationID(id)

	stored, err := env.PendingStore.GetOperation(opID)
	if err != nil {
		return nil, err
	}
	if stored != nil && stored.Operation.Type == types.OperationTypeEntry {
		res := &ResultEntry{
			ID:        opID,
			NodeID:    stored.Operation.NodeID,
			Data:      stored.Operation.Data,
			Committed: stored.CommitStatus.Committed,
			Offset:    stored.CommitStatus.Offset,
			Height:    stored.CommitStatus.Height,
		}
		if res.Committed {
			return res, nil
		}
		// the pending store is updated lazily for blocks downloaded from peers
		if block, err := env.Chain.GetBlockByOperationID(opID); err != nil {
			return nil, err
		} else if block != nil {
			res.Committed, res.Offset, res.Height = true, block.Offset(), block.Height()
		}
		return res, nil
	}

	block, err := env.Chain.GetBlockByOperationID(opID)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, fmt.Errorf("entry %d: %w", opID, errNotFound)
	}
	rb, err := newResultBlock(block)
	if err != nil {
		return nil, err
	}
	for _, e := range rb.Entries {
		if e.ID == opID {
			e := e
			return &e, nil
		}
	}
	return nil, fmt.Errorf("entry %d: %w", opID, errNotFound)
}

// GET /block?offset=<offset>, the last block without offset.
func (env *Environment) block(r *http.Request) (interface{}, error) {
	var (
		block *types.Block
		err   error
	)
	if r.URL.Query().Get("offset") == "" {
		block, err = env.Chain.GetLastBlock()
	} else {
		var offset uint64
		if offset, err = parseUint(r, "offset"); err != nil {
			return nil, err
		}
		block, err = env.Chain.GetBlock(offset)
	}
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, fmt.Errorf("block: %w", errNotFound)
	}
	return newResultBlock(block)
}

func parseUint(r *http.Request, param string) (uint64, error) {
	s := r.URL.Query().Get(param)
	if s == "" {
		return 0, badRequest{fmt.Errorf("missing %s parameter", param)}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, badRequest{fmt.Errorf("invalid %s %q: %w", param, s, err)}
	}
	return v, nil
}
