package gate

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Detector reports whether a usable accelerator is present and describes what it found.
type Detector func(ctx context.Context, env Env) (bool, string)

// NvidiaSMI looks for CUDA devices with `nvidia-smi -L`.
func NvidiaSMI(ctx context.Context, env Env) (bool, string) {
	env = env.WithDefaults()
	bin, err := env.LookPath("nvidia-smi")
	if err != nil {
		return false, "nvidia-smi not found"
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-L")
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return false, fmt.Sprintf("nvidia-smi failed: %v", err)
	}

	var gpus []string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "GPU ") {
			gpus = append(gpus, strings.TrimSpace(line))
		}
	}
	if len(gpus) == 0 {
		return false, "nvidia-smi lists no GPUs"
	}
	return true, strings.Join(gpus, "; ")
}

// Accelerator requires a GPU. When none is found the operator is asked
// whether to continue; declining yields ErrDeclined.
type Accelerator struct {
	Detect Detector
	Prompt string
}

// Name returns the gate identifier.
func (a Accelerator) Name() string {
	return "accelerator"
}

// Interactive reports that this gate may prompt the operator.
func (a Accelerator) Interactive() bool {
	return true
}

// Check looks for an accelerator and falls back to asking the operator.
func (a Accelerator) Check(ctx context.Context, env Env) error {
	env = env.WithDefaults()
	detect := a.Detect
	if detect == nil {
		detect = NvidiaSMI
	}

	ok, detail := detect(ctx, env)
	if ok {
		env.Logger.Info("accelerator detected", "devices", detail)
		return nil
	}

	env.Logger.Warn("no accelerator detected; training will be very slow", "detail", detail)
	prompt := a.Prompt
	if prompt == "" {
		prompt = "No GPU detected. Continue anyway?"
	}
	confirmed, err := env.Decider.Confirm(ctx, prompt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeclined, err)
	}
	if !confirmed {
		return fmt.Errorf("%w: no accelerator (%s)", ErrDeclined, detail)
	}
	env.Logger.Warn("operator confirmed training without accelerator")
	return nil
}
