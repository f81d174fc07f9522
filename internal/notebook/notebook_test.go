package notebook

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"DataPilot/internal/sandbox"
)

func TestAddOutputRequiresCodeCell(t *testing.T) {
	b := NewBuilder()
	require.ErrorIs(t, b.AddOutput(sandbox.Result{Text: "1"}, 1), ErrNoCells)
	b.AddMarkdown("# title")
	require.ErrorIs(t, b.AddExecution(&sandbox.Execution{}), ErrLastNotCode)
	require.Equal(t, "Cannot add output: last cell is not a code cell", ErrLastNotCode.Error())
}

func TestBuildRendersNBFormat(t *testing.T) {
	b := NewBuilder()
	b.AddMarkdown("# Task: analyse")
	b.AddCode("print('hi')\n1+1")
	require.NoError(t, b.AddExecution(&sandbox.Execution{
		Logs:           sandbox.Logs{Stdout: []string{"hi\n", ""}, Stderr: []string{"warn\n"}},
		Results:        []sandbox.Result{{Text: "2", IsMainResult: true}, {PNG: "iVBOR", Extra: map[string]any{"application/vnd.custom": "x"}}},
		Error:          &sandbox.ExecutionError{Name: "ValueError", Value: "bad", Traceback: "line1\nline2"},
		ExecutionCount: 7,
	}))
	b.AddCode("x = 1")

	raw, err := b.Build(nil).Marshal()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))

	cells := doc["cells"].([]any)
	for _, c := range cells {
		delete(c.(map[string]any), "id")
	}

	want := map[string]any{
		"nbformat":       float64(4),
		"nbformat_minor": float64(5),
		"metadata": map[string]any{
			"kernelspec":    map[string]any{"display_name": "Python 3", "language": "python", "name": "python3"},
			"language_info": map[string]any{"name": "python", "version": "3.10.0"},
		},
		"cells": []any{
			map[string]any{"cell_type": "markdown", "metadata": map[string]any{}, "source": "# Task: analyse"},
			map[string]any{
				"cell_type":       "code",
				"execution_count": float64(7),
				"metadata":        map[string]any{},
				"source":          "print('hi')\n1+1",
				"outputs": []any{
					map[string]any{"output_type": "stream", "name": "stdout", "text": "hi\n"},
					map[string]any{"output_type": "stream", "name": "stderr", "text": "warn\n"},
					map[string]any{
						"output_type":     "execute_result",
						"execution_count": float64(7),
						"data":            map[string]any{"text/plain": "2"},
						"metadata":        map[string]any{},
					},
					map[string]any{
						"output_type": "display_data",
						"data":        map[string]any{"image/png": "iVBOR", "application/vnd.custom": "x"},
						"metadata":    map[string]any{},
					},
					map[string]any{"output_type": "error", "ename": "ValueError", "evalue": "bad", "traceback": []any{"line1", "line2"}},
				},
			},
			map[string]any{"cell_type": "code", "execution_count": float64(2), "metadata": map[string]any{}, "source": "x = 1", "outputs": []any{}},
		},
	}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Fatalf("notebook mismatch (-want +got):\n%s", diff)
	}
}

func TestCellIDsAreUniqueAndClearResets(t *testing.T) {
	b := NewBuilder()
	b.AddCode("a").AddCode("b")
	cells := b.Cells()
	require.Len(t, cells, 2)
	require.NotEqual(t, cells[0].ID, cells[1].ID)
	require.Len(t, cells[0].ID, 8)

	b.Clear().AddCode("c")
	require.Equal(t, 1, b.Cells()[0].ExecutionCount)
}
