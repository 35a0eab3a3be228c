package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/studyloop/studyloop-backend/internal/logger"
	"github.com/studyloop/studyloop-backend/internal/types"
)

// runToolCall is the single execution path for every tool: progress emit,
// timing, panic recovery and error classification live here so individual
// tools stay plain functions over toolState. The returned string is the
// serialized result fed back to the model; a non-nil error is always fatal
// for the job (recoverable tool failures are folded into the output).
func runToolCall(log *logger.Logger, sink ProgressSink, st *toolState, stepNumber, totalSteps int, name, rawArgs string) (out string, err error) {
	start := time.Now()

	sink.Report(ProgressEvent{
		Stage:      types.StageAgentRunning,
		Percentage: st.plan.Percentage(),
		Message:    fmt.Sprintf("running %s", name),
		StepNumber: stepNumber,
		TotalSteps: totalSteps,
	})

	defer func() {
		if r := recover(); r != nil {
			log.Error("tool panicked", "tool", name, "step", stepNumber, "panic", r)
			err = fmt.Errorf("tool %s panicked: %v", name, r)
		}
	}()

	result, execErr := executeTool(st, name, rawArgs)
	elapsed := time.Since(start)

	if execErr != nil {
		var te *ToolError
		if errors.As(execErr, &te) {
			log.Warn("tool rejected call",
				"tool", name, "step", stepNumber, "code", te.Code, "message", te.Message, "elapsed", elapsed)
			return serializeToolError(te), nil
		}
		log.Error("tool failed", "tool", name, "step", stepNumber, "error", execErr, "elapsed", elapsed)
		return "", execErr
	}

	log.Info("tool completed", "tool", name, "step", stepNumber, "elapsed", elapsed)

	payload, mErr := json.Marshal(result)
	if mErr != nil {
		return "", fmt.Errorf("serialize %s result: %w", name, mErr)
	}
	return string(payload), nil
}

func serializeToolError(te *ToolError) string {
	payload, err := json.Marshal(map[string]any{
		"ok":      false,
		"error":   te.Code,
		"message": te.Message,
	})
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":%q}`, te.Code)
	}
	return string(payload)
}
