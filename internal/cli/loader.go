package cli

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/tallyhq/relcount/internal/model"
	"github.com/tallyhq/relcount/internal/schemadef"
	"github.com/tallyhq/relcount/internal/store"
)

// Loader error codes (E001-E009). Schema compile errors carry their own
// E1xx codes from the schemadef package.
const (
	ErrCodeNotFound    = "E001" // schema path does not exist
	ErrCodeLoadFailed  = "E002" // CUE loading failed
	ErrCodeBuildFailed = "E003" // CUE evaluation failed
	ErrCodeCompile     = "E004" // schema compilation failed
)

// LoadError reports a schema loading failure with its error code.
type LoadError struct {
	Code    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadSchema loads a schema definition from a CUE file or a directory of
// CUE files and compiles it into a model.Schema.
func LoadSchema(path string) (*model.Schema, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema path not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing schema path: %v", err)}
	}

	ctx := cuecontext.New()

	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("reading schema file: %v", err)}
		}
		v := ctx.CompileString(string(data))
		if err := v.Err(); err != nil {
			return nil, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("evaluating schema: %v", err)}
		}
		return compileSchemaValue(v)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}
	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}
	return compileSchemaValue(v)
}

func compileSchemaValue(v cue.Value) (*model.Schema, error) {
	sch, err := schemadef.Compile(v)
	if err != nil {
		// Compile errors keep their own code and position formatting.
		return nil, err
	}
	return sch, nil
}

// openDatabase loads the schema and opens the database for a maintenance
// command. The returned store has no notification bus: maintenance
// commands operate on stored rows directly and must not trigger tracking.
func openDatabase(schemaPath, dbPath string) (*model.Schema, *store.Store, error) {
	sch, err := LoadSchema(schemaPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "loading schema", err)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", dbPath))
	}
	st, err := store.Open(dbPath, sch, nil)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "opening database", err)
	}
	return sch, st, nil
}
