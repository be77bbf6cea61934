package intake

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const signalSchema = `{
  "type": "object",
  "properties": {
    "action":    {"type": "string"},
    "symbol":    {"type": "string"},
    "ticker":    {"type": "string"},
    "timeframe": {"type": ["string", "number"]},
    "interval":  {"type": ["string", "number"]},
    "time":      {"type": ["string", "number"]},
    "entry":     {"type": ["string", "number"]},
    "target":    {"type": ["string", "number"]},
    "stop":      {"type": ["string", "number"]},
    "id":        {"type": ["string", "number"]},
    "rr":        {"type": ["string", "number"]},
    "risk":      {"type": ["string", "number"]},
    "overnight_close": {"type": "boolean"}
  }
}`

const outcomeSchema = `{
  "type": "object",
  "required": ["trade_id", "session_id", "result"],
  "properties": {
    "trade_id":    {"type": ["string", "number"]},
    "session_id":  {"type": "string", "minLength": 1},
    "result":      {"type": "string", "enum": ["win", "loss", "WIN", "LOSS", "Win", "Loss"]},
    "exit_price":  {"type": ["string", "number"]},
    "profit_loss": {"type": ["string", "number", "null"]},
    "exit_reason": {"type": "string"},
    "exited_at":   {"type": ["string", "number"]}
  }
}`

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		return nil, errors.Wrapf(err, "add schema %s", name)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, errors.Wrapf(err, "compile schema %s", name)
	}
	return schema, nil
}

// schemaReasons flattens a jsonschema error tree into one line per leaf.
func schemaReasons(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}

	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
