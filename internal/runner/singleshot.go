package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/buildforge/foreman/internal/agent"
	"github.com/buildforge/foreman/internal/events"
	"github.com/buildforge/foreman/internal/gitx"
	"github.com/buildforge/foreman/internal/store"
)

// runSingleShot handles code (one prompt, then publish) and task
// (interactive, no git mutation) jobs.
func (r *Runner) runSingleShot(ctx context.Context, job *store.AgentJob, interactive bool) error {
	repo, err := r.resolveRepository(job)
	if err != nil {
		return err
	}
	wt, err := r.prepareWorktree(ctx, job, repo)
	if err != nil {
		return err
	}

	tally := &usageTally{}
	opts := agent.Options{
		Mode:     agent.ModePrint,
		Prompt:   job.Prompt,
		WorkDir:  wt.Path,
		Binary:   r.Cfg.ClaudeBin,
		OnStdout: tally.tap(r.messageSink(job.ID, store.MessageStdout)),
		OnStderr: r.messageSink(job.ID, store.MessageStderr),
	}
	if interactive {
		opts.Mode = agent.ModeInteractive
		opts.DisallowedTools = agent.DefaultDisallowedTools
		opts.MCPConfig = r.mcpConfig(job.ClientID)
	}

	proc, err := r.Agent.Start(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	r.attachProcess(job, proc, wt)
	r.Bus.Emit(events.NewEvent(events.AgentInvoked, job.ID))

	code, err := proc.Wait()
	if err != nil {
		return err
	}
	r.Bus.Emit(events.NewEvent(events.AgentExited, job.ID).WithPayload(fmt.Sprintf("exit=%d", code)))
	r.recordUsage(job, tally.sum())

	if code != 0 {
		return r.recordExitFailure(job, code)
	}

	if interactive {
		// Tasks complete without touching git.
		return r.Store.CompleteJob(job.ID, 0, "")
	}
	return r.publishResult(ctx, job, repo, wt, "")
}

// messageSink appends each subprocess output line to the transcript as
// it arrives.
func (r *Runner) messageSink(jobID, msgType string) func(string) {
	return func(line string) {
		if err := r.Store.AppendMessage(jobID, msgType, line); err != nil {
			log.Printf("job %s: failed to append %s message: %v", jobID, msgType, err)
		}
	}
}

// attachProcess wires the live subprocess into the job's handle and row.
func (r *Runner) attachProcess(job *store.AgentJob, proc agent.Process, wt *gitx.Worktree) {
	if h := r.Handles.Get(job.ID); h != nil {
		h.SetProcess(proc)
	}
	if err := r.Store.SetJobProcess(job.ID, proc.PID(), wt.Path); err != nil {
		log.Printf("job %s: failed to record process: %v", job.ID, err)
	}
}

// recordExitFailure marks the job failed with the agent's exit code.
func (r *Runner) recordExitFailure(job *store.AgentJob, code int) error {
	msg := fmt.Sprintf("agent exited with code %d", code)
	if err := r.Store.FailJob(job.ID, &code, msg); err != nil {
		return err
	}
	r.Bus.Emit(events.NewEvent(events.JobFailed, job.ID).WithPayload(msg))
	return nil
}

// publishResult commits outstanding changes and opens a PR. When the
// branch carries no commits at all the job completes with a
// descriptive error instead of an empty PR.
func (r *Runner) publishResult(ctx context.Context, job *store.AgentJob, repo *store.Repository, wt *gitx.Worktree, reason store.CompletionReason) error {
	committed, err := r.Git.CommitAll(ctx, wt, commitMessage(job))
	if err != nil {
		return err
	}
	if committed {
		r.Bus.Emit(events.NewEvent(events.CommitCreated, job.ID))
	}

	ahead, err := r.Git.CommitCountAhead(ctx, wt, repo.DefaultBranch)
	if err != nil {
		return err
	}
	if ahead == 0 {
		return r.Store.CompleteJobWithError(job.ID, 0, reason, "No changes were made")
	}

	if err := r.Git.PushBranch(ctx, wt); err != nil {
		return err
	}
	if err := r.Store.RecordBranch(repo.ID, wt.Branch, job.ID); err != nil {
		return err
	}
	r.Bus.Emit(events.NewEvent(events.BranchPushed, job.ID).WithPayload(wt.Branch))

	pr, err := r.Git.CreatePullRequest(ctx, wt, repo.DefaultBranch, prTitle(job), prBody(job))
	if err != nil {
		return err
	}
	filesChanged, err := r.Git.FilesChanged(ctx, wt, repo.DefaultBranch)
	if err != nil {
		filesChanged = 0
	}

	if err := r.Store.RecordPullRequest(repo.ID, pr.Number, pr.URL, prTitle(job), job.ID); err != nil {
		return err
	}
	if err := r.Store.SetJobPR(job.ID, pr.URL, pr.Number, filesChanged); err != nil {
		return err
	}
	r.Bus.Emit(events.NewEvent(events.PROpened, job.ID).WithPayload(pr.URL))

	r.collectScreenshots(job, wt)

	return r.Store.CompleteJob(job.ID, 0, reason)
}

func commitMessage(job *store.AgentJob) string {
	if job.Title != "" {
		return job.Title
	}
	return "Apply agent changes"
}

func prTitle(job *store.AgentJob) string {
	if job.Title != "" {
		return job.Title
	}
	return job.BranchName
}

func prBody(job *store.AgentJob) string {
	prompt := job.Prompt
	if len(prompt) > 2000 {
		prompt = prompt[:2000] + "\n…"
	}
	var b strings.Builder
	b.WriteString("## Summary\n\n")
	b.WriteString(prompt)
	b.WriteString("\n\n_Opened automatically by foreman job " + job.ID + "._\n")
	return b.String()
}

// mcpConfig builds the inline MCP configuration handed to interactive
// sessions: this server's own MCP transport plus any tool servers
// enabled for the client.
func (r *Runner) mcpConfig(clientID string) string {
	servers := map[string]any{
		"foreman": map[string]any{
			"type": "http",
			"url":  "http://" + r.Cfg.HTTPAddr + "/mcp",
			"headers": map[string]string{
				"Authorization": "Bearer " + r.Cfg.AuthToken,
			},
		},
	}

	tools, err := r.Store.ListClientTools(clientID)
	if err != nil {
		log.Printf("client %s: failed to load tool allowances: %v", clientID, err)
	}
	for _, tool := range tools {
		if _, taken := servers[tool.Name]; taken {
			continue
		}
		cfg := tool.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		servers[tool.Name] = cfg
	}

	raw, err := json.Marshal(map[string]any{"mcpServers": servers})
	if err != nil {
		return ""
	}
	return string(raw)
}
