package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/durable-research/internal/config"
	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/pipeline"
	"github.com/jdziat/durable-research/pkg/service"
)

// execute runs researchd with args against a database in dir.
func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("RESEARCH_DATABASE_DSN", filepath.Join(dir, "research.db"))
	t.Setenv("RESEARCH_LOG_LEVEL", "ERROR")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", filepath.Join(dir, "research.yaml")}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

var idPattern = regexp.MustCompile(`[0-9a-f-]{36}`)

func TestCreateFlow(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	out, err := execute(t, dir, "automation", "learning", "--depth", "quick", "--clarify", "never")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved automation for learning")

	out, err = execute(t, dir, "task", "IIT Ropar", "--user", "user-1", "--category", "learning")
	require.NoError(t, err)
	taskID := idPattern.FindString(out)
	require.NotEmpty(t, taskID, out)

	out, err = execute(t, dir, "create", taskID, "--user", "user-1", "--channel", "chat-1")
	require.NoError(t, err)
	jobID := idPattern.FindString(out)
	require.NotEmpty(t, jobID, out)
	assert.Contains(t, out, string(core.StatusPending))

	a, err := newApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer a.close()

	job, err := a.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, core.DepthQuick, job.Automation.Depth)
	assert.Equal(t, "chat-1", job.ChannelID)

	runs, err := a.store.GetRunsByJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, pipeline.QueueName, runs[0].Queue)
	assert.Equal(t, jobID, runs[0].ID)
}

func TestCreate_UnknownTask(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	_, err := execute(t, dir, "create", "missing", "--user", "user-1")
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestAutomation_RejectsBadFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	_, err := execute(t, dir, "automation", "learning", "--depth", "bottomless", "--clarify", "auto")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid depth")

	_, err = execute(t, dir, "automation", "learning", "--depth", "medium", "--clarify", "sometimes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid clarify mode")
}

func TestSweep_Empty(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	out, err := execute(t, dir, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "0 proceeded, 0 failed, 0 closed")
	assert.Contains(t, out, "0 locks released, 0 pruned")
}

func TestSweep_ResumesExpiredQuestion(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	// Loads the config so newApp can open the database below.
	_, err := execute(t, dir, "migrate")
	require.NoError(t, err)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	require.NoError(t, err)

	job := &core.Job{TaskID: "task-1", TaskName: "IIT Ropar", UserID: "user-1", ChannelID: "chat-1"}
	require.NoError(t, a.store.CreateJob(ctx, job))
	deadline := time.Now().Add(-time.Minute)
	job.SetStage(core.StageClarify)
	job.ClarificationTimeoutAt = &deadline
	require.NoError(t, a.store.SaveJob(ctx, job))
	require.NoError(t, a.store.OpenConversation(ctx, &core.Conversation{
		ChannelID: "chat-1",
		JobID:     job.ID,
		Question:  "What about IIT Ropar?",
		ExpiresAt: &deadline,
	}))
	a.close()

	out, err := execute(t, dir, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "1 proceeded, 0 failed, 0 closed")

	a, err = newApp(ctx, cfg, logger)
	require.NoError(t, err)
	defer a.close()

	stored, err := a.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusResearching, stored.Status)

	runs, err := a.store.GetRunsByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, pipeline.HandlerName, runs[0].Type)
	assert.True(t, strings.HasPrefix(runs[0].ID, job.ID+"-resume-"), runs[0].ID)
}

func TestWorkers(t *testing.T) {
	c := config.Default()
	c.Queue.Concurrency = 3
	a := &app{cfg: c, logger: nil}

	pw, mw := a.workers(nil)
	assert.Equal(t, map[string]int{pipeline.QueueName: 3}, pw.Config().Queues)
	assert.False(t, pw.Config().EnableScheduler)
	assert.Nil(t, pw.Config().Limiter)

	assert.Equal(t, map[string]int{service.MaintenanceQueue: 1}, mw.Config().Queues)
	assert.True(t, mw.Config().EnableScheduler)
}

func TestLimiter(t *testing.T) {
	c := config.Default()
	c.Queue.RateLimit.Limit = 0
	a := &app{cfg: c}
	l, err := a.limiter(context.Background())
	require.NoError(t, err)
	assert.Nil(t, l)

	a.cfg.Queue.RateLimit.Limit = 5
	l, err = a.limiter(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, l)
	assert.Nil(t, a.redis, "no redis client without an address")
}
