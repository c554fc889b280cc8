package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/contratweak/internal/chains"
	"github.com/pendergraft/contratweak/internal/chains/evm"
	"github.com/pendergraft/contratweak/internal/clone"
	"github.com/pendergraft/contratweak/internal/executor"
	"github.com/pendergraft/contratweak/internal/layout"
	projects "github.com/pendergraft/contratweak/internal/projects/domain"
	"github.com/pendergraft/contratweak/internal/storage"
	"github.com/pendergraft/contratweak/internal/tweak"
)

type fakeProjects struct {
	projects map[string]*projects.Project
}

func (f *fakeProjects) Get(ctx context.Context, name string) (*projects.Project, error) {
	if p, ok := f.projects[name]; ok {
		return p, nil
	}
	return nil, projects.ErrNotFound
}

// memStore implements Store for testing
type memStore struct {
	mu   sync.Mutex
	runs []*storage.Run
	seq  int
}

func (m *memStore) CreateRun(ctx context.Context, r *storage.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	r.ID = fmt.Sprintf("run-%d", m.seq)
	r.Status = storage.RunRunning
	r.CreatedAt = fmt.Sprintf("2026-01-01T00:00:%02d.000000Z", m.seq)
	cp := *r
	m.runs = append(m.runs, &cp)
	return nil
}

func (m *memStore) FinishRun(ctx context.Context, r *storage.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.runs {
		if existing.ID == r.ID {
			r.FinishedAt = "2026-01-01T00:01:00.000000Z"
			cp := *r
			m.runs[i] = &cp
			return nil
		}
	}
	return storage.ErrNotFound
}

func (m *memStore) GetRun(ctx context.Context, id string) (*storage.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) ListRuns(ctx context.Context, filter storage.RunFilter, pagination storage.PaginationParams) (*storage.PaginatedResult[storage.Run], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Run
	for _, r := range m.runs {
		if filter.Project != "" && r.ProjectName != filter.Project {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return &storage.PaginatedResult[storage.Run]{Data: out}, nil
}

// fakeEngine returns a canned result and records the last request.
type fakeEngine struct {
	result *tweak.Result
	err    error
	got    EngineRequest
	calls  int
}

func (f *fakeEngine) Run(ctx context.Context, project *clone.Project, req EngineRequest) (*tweak.Result, error) {
	f.calls++
	f.got = req
	return f.result, f.err
}

var vaultAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func newTestService(engine Engine) (*service, *memStore) {
	store := &memStore{}
	getter := &fakeProjects{projects: map[string]*projects.Project{
		"vault": {
			Name:  "vault",
			Clone: &clone.Project{TargetContract: "src/Vault.sol:Vault", Address: vaultAddress, ChainID: 1},
		},
	}}
	return NewService(getter, store, engine, tweak.NewTargetLocks()), store
}

func TestService_TweakSucceeded(t *testing.T) {
	hash := common.HexToHash("0xabcdef")
	engine := &fakeEngine{result: &tweak.Result{
		Mode:     tweak.ModeApply,
		CodeHash: hash,
		Verdict:  &layout.Verdict{Findings: []layout.Finding{}},
		Apply:    &executor.ApplyResult{Written: true, CodeHash: hash},
		Stages: []tweak.StageTiming{
			{Stage: tweak.StageCompile}, {Stage: tweak.StageCheck}, {Stage: tweak.StageGather},
			{Stage: tweak.StageGenerate}, {Stage: tweak.StageApply},
		},
	}}
	svc, store := newTestService(engine)

	run, err := svc.Tweak(context.Background(), "vault", "key-1", TweakRequest{
		AllowChainMismatch: true,
		Immutables:         map[string]string{"fee": "0x64"},
		Reexecute:          []string{"token"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Equal(t, tweak.ModeApply, run.Mode)
	assert.Equal(t, string(tweak.StageApply), run.Stage)
	assert.Equal(t, hash.Hex(), run.CodeHash)
	assert.True(t, run.Written)
	assert.Equal(t, "1/0x5fbdb2315678afecb367f032d93f642f64180aa3", run.Target)
	assert.Empty(t, run.Findings)
	assert.NotNil(t, run.Result)
	assert.False(t, run.FinishedAt.IsZero())

	assert.Equal(t, tweak.ModeApply, engine.got.Mode)
	assert.True(t, engine.got.Executor.AllowChainMismatch)
	assert.Equal(t, []string{"token"}, engine.got.Executor.Reexecute)
	fee := engine.got.Executor.ImmutableOverrides["fee"]
	require.Len(t, fee, 32)
	assert.Equal(t, byte(0x64), fee[31])

	stored, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunSucceeded, stored.Status)
	assert.Equal(t, "key-1", stored.OwnerID)
}

func TestService_FailedRunIsRecorded(t *testing.T) {
	findings := []layout.Finding{{Kind: layout.SlotInsertedBeforeExisting, Slot: "0", Label: "paused"}}
	verdict := layout.Verdict{Findings: findings}
	engine := &fakeEngine{
		result: &tweak.Result{Verdict: &verdict},
		err:    &tweak.StageError{Stage: tweak.StageCheck, Err: verdict.Err()},
	}
	svc, _ := newTestService(engine)

	run, err := svc.Check(context.Background(), "vault", "")
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, string(tweak.StageCheck), run.Stage)
	assert.Equal(t, tweak.ModeCheck, engine.got.Mode)
	assert.Contains(t, run.Error, "SlotInsertedBeforeExisting")
	assert.Equal(t, findings, run.Findings)

	got, err := svc.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, findings, got.Findings)
	assert.Nil(t, got.Result)
}

func TestService_DryRun(t *testing.T) {
	engine := &fakeEngine{result: &tweak.Result{}}
	svc, _ := newTestService(engine)

	_, err := svc.Tweak(context.Background(), "vault", "", TweakRequest{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, tweak.ModeDryRun, engine.got.Mode)
}

func TestService_Errors(t *testing.T) {
	engine := &fakeEngine{result: &tweak.Result{}}
	svc, store := newTestService(engine)
	ctx := context.Background()

	_, err := svc.Check(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	_, err = svc.Tweak(ctx, "vault", "", TweakRequest{Immutables: map[string]string{"fee": "nothex"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Get(ctx, "run-404")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Zero(t, engine.calls)
	assert.Empty(t, store.runs)
}

func TestService_WaitsForTargetLock(t *testing.T) {
	engine := &fakeEngine{result: &tweak.Result{}}
	store := &memStore{}
	locks := tweak.NewTargetLocks()
	getter := &fakeProjects{projects: map[string]*projects.Project{
		"vault": {Name: "vault", Clone: &clone.Project{Address: vaultAddress, ChainID: 1}},
	}}
	svc := NewService(getter, store, engine, locks)

	unlock, err := locks.Lock(context.Background(), "1/0x5fbdb2315678afecb367f032d93f642f64180aa3")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Check(ctx, "vault", "")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, engine.calls)
}

func TestService_List(t *testing.T) {
	engine := &fakeEngine{result: &tweak.Result{}}
	svc, _ := newTestService(engine)
	ctx := context.Background()

	first, err := svc.Check(ctx, "vault", "")
	require.NoError(t, err)
	engine.err = errors.New("boom")
	second, err := svc.Check(ctx, "vault", "")
	require.NoError(t, err)

	res, err := svc.List(ctx, ListFilter{Project: "vault"}, PaginationParams{Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Runs, 2)
	assert.Equal(t, second.ID, res.Runs[0].ID)
	assert.Equal(t, first.ID, res.Runs[1].ID)

	res, err = svc.List(ctx, ListFilter{Status: StatusFailed}, PaginationParams{Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Runs, 1)
	assert.Equal(t, "boom", res.Runs[0].Error)
}

// compilerStub serves a fixed artifact so PipelineEngine can run a check.
type compilerStub struct {
	artifact *chains.Artifact
}

func (c *compilerStub) Name() string { return "stub" }
func (c *compilerStub) DisplayName() string { return "Stub" }
func (c *compilerStub) Chain() string { return "evm" }
func (c *compilerStub) Detect(dir string) (bool, error) { return true, nil }
func (c *compilerStub) ConfigFile() string { return "stub.toml" }
func (c *compilerStub) Parse(string) (*chains.Artifact, error) { return c.artifact, nil }
func (c *compilerStub) Discover(dir string, opts chains.DiscoverOptions) ([]string, error) {
	return nil, nil
}
func (c *compilerStub) Compile(ctx context.Context, dir string, opts chains.CompileOptions) ([]*chains.Artifact, error) {
	return []*chains.Artifact{c.artifact}, nil
}

func TestPipelineEngine_CheckDoesNotDial(t *testing.T) {
	l, err := layout.Parse([]byte(`{
  "storage": [{"label": "owner", "offset": 0, "slot": "0", "type": "t_address"}],
  "types": {"t_address": {"encoding": "inplace", "label": "address", "numberOfBytes": "20"}}
}`))
	require.NoError(t, err)

	artifact := &chains.Artifact{Name: "Vault", EVM: &chains.EVMArtifact{SourcePath: "src/Vault.sol", StorageLayout: l}}
	project := &clone.Project{
		Dir:            t.TempDir(),
		TargetContract: "src/Vault.sol:Vault",
		Address:        vaultAddress,
		ChainID:        1,
		StorageLayout:  l,
	}

	// unroutable endpoint; a check must never reach it
	engine := NewPipelineEngine(&compilerStub{artifact: artifact}, "http://127.0.0.1:1", evm.DefaultClientOptions(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	res, err := engine.Run(context.Background(), project, EngineRequest{Mode: tweak.ModeCheck})
	require.NoError(t, err)
	require.NotNil(t, res.Verdict)
	assert.True(t, res.Verdict.Compatible())
}
