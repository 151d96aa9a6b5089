package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/indoria/guppi/pkg/bus"
)

// gpuQueue matches the shared list the embedding worker consumes.
const gpuQueue = "queue:gpu_heavy"

// Spawner launches detached scribe processes: one-shot LLM workers whose
// results arrive back through the agent's inbox.
type Spawner struct {
	binDir     string
	agentName  func() string
	modelFlash string
	modelPro   string
	runner     *Runner
}

func NewSpawner(binDir string, agentName func() string, modelFlash, modelPro string, runner *Runner) *Spawner {
	return &Spawner{
		binDir:     binDir,
		agentName:  agentName,
		modelFlash: modelFlash,
		modelPro:   modelPro,
		runner:     runner,
	}
}

// Spawn launches a scribe. meta is optional JSON attached to the reply so
// the main loop can route it.
func (s *Spawner) Spawn(model, promptFile, mode, meta string) error {
	args := []string{
		"--model", model,
		"--prompt-file", promptFile,
		"--output-inbox", "inbox:" + s.agentName(),
		"--mode", mode,
	}
	if meta != "" {
		args = append(args, "--meta", meta)
	}
	return s.runner.SpawnDetached(filepath.Join(s.binDir, "scribe"), args...)
}

// SummarizeArchive asks a scribe to compress an archived log slice into a
// tier-2 episode. The reply comes back flagged as maintenance so it bypasses
// dedupe and triggers ingestion instead of a think cycle.
func (s *Spawner) SummarizeArchive(archivePath string) error {
	logContent, err := os.ReadFile(archivePath)
	content := string(logContent)
	if err != nil {
		content = fmt.Sprintf("Error reading log: %v", err)
	}

	prompt := "Synthesize these logs into a Tier 2 Episode Memory.\n" +
		"Focus on the NARRATIVE arc of what you accomplished or discovered.\n" +
		"IGNORE trivial mechanical steps (e.g., successful 'ls' or 'cd' commands) unless they revealed something critical.\n" +
		"If you were asleep or idle, state that clearly and briefly.\n\n" +
		"REQUIRED OUTPUT FORMAT:\n\n" +
		"## Narrative Summary\n(A 2-3 sentence overview of the episode's main events)\n\n" +
		"## Key Decisions & Outcomes\n(Bullet points of meaningful choices made and their results)\n\n" +
		"## Changed State / New Knowledge\n(What is different now compared to the start? New files? New constraints?)\n\n" +
		"## Pending / Unresolved\n(Only list actual blockers or unfinished tasks that require future attention that WERE in the logs. Do not make assumptions.)\n\n" +
		"Source log:\n" + content

	promptPath, err := writePromptFile(prompt)
	if err != nil {
		return err
	}

	meta, _ := json.Marshal(map[string]interface{}{
		"maintenance":   true,
		"source_tier_1": filepath.Base(archivePath),
		"mode":          "summarize",
	})
	return s.Spawn(s.modelPro, promptPath, "summarize", string(meta))
}

// CompressPriors regenerates the identity-priors stub from the full priors
// profile. The reply routes through the update_stub maintenance handler.
func (s *Spawner) CompressPriors(priorsSourcePath string) error {
	content, err := os.ReadFile(priorsSourcePath)
	if err != nil {
		return fmt.Errorf("failed to read priors source: %w", err)
	}

	prompt := "COMPRESS this personality profile into a 2-3 sentence 'System Instruction' stub.\n" +
		"Capture core values, operating style, and red lines. Ignore biographical filler.\n" +
		"This stub will be injected into the agent's system prompt.\n\n" +
		"PROFILE:\n" + string(content)

	promptPath, err := writePromptFile(prompt)
	if err != nil {
		return err
	}

	meta, _ := json.Marshal(map[string]interface{}{
		"job_type":    "update_stub",
		"maintenance": true,
	})
	return s.Spawn(s.modelFlash, promptPath, "summarize", string(meta))
}

func writePromptFile(prompt string) (string, error) {
	f, err := os.CreateTemp("", "scribe-prompt-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create prompt file: %w", err)
	}
	if _, err := f.WriteString(prompt); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write prompt file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// spawnScribeTool launches summarizers, or short-circuits vectorize requests
// straight to the GPU queue.
type spawnScribeTool struct {
	spawner   *Spawner
	busClient bus.Client
	retry     bus.RetryPolicy
	agentName func() string
}

func NewSpawnScribeTool(spawner *Spawner, busClient bus.Client, retry bus.RetryPolicy, agentName func() string) Tool {
	return &spawnScribeTool{spawner: spawner, busClient: busClient, retry: retry, agentName: agentName}
}

func (t *spawnScribeTool) Name() string { return "spawn_scribe" }
func (t *spawnScribeTool) Description() string {
	return "Spawn tasker process. Args: prompt, model, mode (summarize|vectorize). NOTE: 'vectorize' offloads to GPU queue."
}

func (t *spawnScribeTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	mode, _ := args["mode"].(string)
	if mode == "" {
		mode = "summarize"
	}
	promptFile, _ := args["prompt_file"].(string)
	if promptFile == "" {
		promptFile, _ = args["prompt"].(string)
	}
	model, _ := args["model"].(string)
	if model == "" {
		model = t.spawner.modelFlash
	}

	if mode == "vectorize" {
		content, err := os.ReadFile(promptFile)
		if err != nil {
			return done(map[string]interface{}{"status": "error", "message": "Prompt file not found for vectorization"})
		}
		payload, _ := json.Marshal(map[string]interface{}{
			// The vec- prefix routes the worker's reply to vector ingestion.
			"task_id":  "vec-" + turnID,
			"type":     "embed",
			"content":  string(content),
			"reply_to": "inbox:" + t.agentName(),
		})
		err = bus.Retry(ctx, t.retry, func() error {
			return t.busClient.LPush(ctx, gpuQueue, string(payload))
		})
		if err != nil {
			return done(map[string]interface{}{"status": "error", "message": err.Error()})
		}
		return done(map[string]interface{}{"status": "offloaded_to_gpu", "note": "GPU Worker will reply to inbox."})
	}

	// Inline prompt text: spill it to a temp file first.
	if _, err := os.Stat(promptFile); err != nil {
		path, werr := writePromptFile(promptFile)
		if werr != nil {
			return done(map[string]interface{}{"status": "error", "message": werr.Error()})
		}
		promptFile = path
	}

	if err := t.spawner.Spawn(model, promptFile, mode, ""); err != nil {
		return done(map[string]interface{}{"status": "error", "message": err.Error()})
	}
	return done(map[string]interface{}{"status": "spawned_untracked", "note": "Scribe result will arrive in inbox"})
}
