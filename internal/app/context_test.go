package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamline/internal/audit"
	"teamline/internal/config"
	"teamline/internal/domain"
	"teamline/internal/engine"
	"teamline/internal/policy"
	"teamline/internal/repo"
)

func TestOpenUsesDefaultConfigAndMigrates(t *testing.T) {
	ws := t.TempDir()
	rt, err := Open(context.Background(), Options{Workspace: ws, LogWriter: io.Discard, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, 2, rt.Config.Rejections.Threshold)
	assert.NotNil(t, rt.Metrics)
	assert.NotNil(t, rt.Engine.Metrics)
	_, err = rt.Engine.CreateItem(context.Background(), engine.CreateItemOptions{ID: "001", Title: "first"})
	require.NoError(t, err)
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	ws := t.TempDir()
	cfgText := strings.Replace(config.GenerateDefault(), "threshold: 2", "threshold: 3", 1)
	require.NoError(t, os.WriteFile(filepath.Join(ws, "teamline.yml"), []byte(cfgText), 0o644))
	rt, err := Open(context.Background(), Options{Workspace: ws, LogWriter: io.Discard})
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, 3, rt.Config.Rejections.Threshold)

	_, err = Open(context.Background(), Options{Workspace: ws, ConfigPath: filepath.Join(ws, "missing.yml"), LogWriter: io.Discard})
	assert.Error(t, err, "missing explicit config")
}

func TestPolicyEngineAuditsToStore(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, Options{Workspace: t.TempDir(), LogWriter: io.Discard})
	require.NoError(t, err)
	defer rt.Close()
	_, err = rt.Engine.CreateMission(ctx, engine.CreateMissionOptions{ID: "M-1"})
	require.NoError(t, err)
	d := NewDispatcher(rt.Config, AuditBackends(rt.Config, rt.Engine.Repo, rt.Logger), rt.Logger, rt.Metrics)
	d.Start()
	p, _, err := rt.PolicyEngine(d)
	require.NoError(t, err)
	dec := p.Decide(ctx, policy.Request{Kind: domain.ActionWriteFile, Target: "src/main.go", ToolName: "Write"})
	assert.False(t, dec.Allow)
	assert.Equal(t, "implementation must be delegated to ba", dec.Reason)
	d.Close()

	events, err := rt.Engine.Repo.ListAuditEvents(ctx, repo.AuditFilters{Status: domain.AuditDenied})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, dec.CorrelationID, events[0].CorrelationID)
}

func TestWorkspaceRoot(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, WorkspaceRoot(""))
	assert.Equal(t, filepath.Join(wd, "sub"), WorkspaceRoot("sub"))
	assert.Equal(t, "/abs/ws", WorkspaceRoot("/abs/ws"))
}

var _ audit.Sink = (*audit.Dispatcher)(nil)
