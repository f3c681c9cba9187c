package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Field names a PipelineConfig value a stage may depend on.
type Field string

const (
	FieldProvider          Field = "provider"
	FieldVariantsPerPrompt Field = "variants_per_prompt"
	FieldMaxPrompts        Field = "max_prompts"
	FieldEpochs            Field = "epochs"
	FieldLoRARank          Field = "lora_rank"
	FieldLearningRate      Field = "learning_rate"
	FieldBatchSize         Field = "batch_size"
	FieldGradAccum         Field = "grad_accum"
	FieldMaxSeqLen         Field = "max_seq_len"
	FieldQuant             Field = "quant"
	FieldEvalModel         Field = "eval_model"
)

// Params is the subset of a PipelineConfig visible to one stage action.
// Values are rendered in the form the stage scripts accept on their command line.
type Params map[Field]string

// Narrow returns only the requested fields of c.
func (c PipelineConfig) Narrow(fields ...Field) (Params, error) {
	all := c.fields()
	p := make(Params, len(fields))
	for _, f := range fields {
		v, ok := all[f]
		if !ok {
			return nil, fmt.Errorf("unknown config field %q", f)
		}
		p[f] = v
	}
	return p, nil
}

// Snapshot returns every field, for run manifests. Credentials are not part of PipelineConfig.
func (c PipelineConfig) Snapshot() Params {
	return c.fields()
}

func (c PipelineConfig) fields() Params {
	p := Params{
		FieldProvider:          c.Provider,
		FieldVariantsPerPrompt: strconv.Itoa(c.VariantsPerPrompt),
		FieldMaxPrompts:        strconv.Itoa(c.MaxPrompts),
		FieldEpochs:            strconv.Itoa(c.Epochs),
		FieldLoRARank:          strconv.Itoa(c.LoRARank),
		FieldLearningRate:      strconv.FormatFloat(c.LearningRate, 'g', -1, 64),
		FieldBatchSize:         strconv.Itoa(c.BatchSize),
		FieldGradAccum:         strconv.Itoa(c.GradAccum),
		FieldMaxSeqLen:         strconv.Itoa(c.MaxSeqLen),
		FieldQuant:             strings.ToLower(c.Quant),
		FieldEvalModel:         c.EvalModel,
	}
	return p
}

// Get returns the value of f, or an error if the stage did not declare it.
func (p Params) Get(f Field) (string, error) {
	v, ok := p[f]
	if !ok {
		return "", fmt.Errorf("config field %q not available to this stage", f)
	}
	return v, nil
}

// Keys returns the field names in sorted order.
func (p Params) Keys() []Field {
	keys := make([]Field, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
