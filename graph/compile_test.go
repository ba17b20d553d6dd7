package graph

import (
	"testing"

	"github.com/conveyorhq/conveyor/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"shouldCompileDiamond":             testCompileDiamond,
		"shouldRejectDuplicateNode":        testRejectDuplicateNode,
		"shouldRejectUnknownNodeType":      testRejectUnknownNodeType,
		"shouldRejectConditionWithoutExpr": testRejectConditionWithoutExpr,
		"shouldRejectDanglingEdge":         testRejectDanglingEdge,
		"shouldRejectSelfEdge":             testRejectSelfEdge,
		"shouldRejectDuplicateEdge":        testRejectDuplicateEdge,
		"shouldRejectNoEntry":              testRejectNoEntry,
		"shouldReportClosedCyclePath":      testReportClosedCyclePath,
		"shouldOrderTopologically":         testOrderTopologically,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t)
		})
	}
}

func taskNode(id string) model.Node {
	return model.Node{Id: id, Type: model.NODE_TYPE_TASK_MUTATION, Name: id}
}

func diamondWorkflow() *model.Workflow {
	return &model.Workflow{
		Name:    "diamond",
		Version: 1,
		Nodes:   []model.Node{taskNode("a"), taskNode("b"), taskNode("c"), taskNode("d")},
		Edges: []model.Edge{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		},
	}
}

func testCompileDiamond(t *testing.T) {
	plan, err := Compile(diamondWorkflow())
	require.NoError(t, err)

	assert.Equal(t, 4, plan.NodeCount())
	entries := plan.EntryNodes()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Id)

	assert.Equal(t, 2, plan.InDegree("d"))
	assert.Equal(t, []string{"b", "c"}, plan.PredecessorIds("d"))

	succs := plan.SuccessorsOf("a")
	require.Len(t, succs, 2)
	assert.Equal(t, "b", succs[0].Node.Id)
	assert.Equal(t, "c", succs[1].Node.Id)
	assert.Equal(t, model.DEFAULT_EDGE, succs[0].Label)

	assert.False(t, plan.Terminal("a"))
	assert.True(t, plan.Terminal("d"))
}

func testRejectDuplicateNode(t *testing.T) {
	wf := &model.Workflow{
		Name:  "dup",
		Nodes: []model.Node{taskNode("a"), taskNode("a")},
	}
	_, err := Compile(wf)
	require.Error(t, err)
	compErr := &CompilationError{}
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, REASON_DUPLICATE_NODE, compErr.Reason)
}

func testRejectUnknownNodeType(t *testing.T) {
	wf := &model.Workflow{
		Name:  "bad-type",
		Nodes: []model.Node{{Id: "a", Type: "TELEPORT"}},
	}
	_, err := Compile(wf)
	require.Error(t, err)
	compErr := &CompilationError{}
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, REASON_INVALID_NODE, compErr.Reason)
}

func testRejectConditionWithoutExpr(t *testing.T) {
	wf := &model.Workflow{
		Name:  "no-expr",
		Nodes: []model.Node{{Id: "a", Type: model.NODE_TYPE_CONDITION}},
	}
	_, err := Compile(wf)
	require.Error(t, err)
	compErr := &CompilationError{}
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, REASON_INVALID_NODE, compErr.Reason)
}

func testRejectDanglingEdge(t *testing.T) {
	wf := &model.Workflow{
		Name:  "dangling",
		Nodes: []model.Node{taskNode("a")},
		Edges: []model.Edge{{From: "a", To: "ghost"}},
	}
	_, err := Compile(wf)
	require.Error(t, err)
	compErr := &CompilationError{}
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, REASON_DANGLING_EDGE, compErr.Reason)
}

func testRejectSelfEdge(t *testing.T) {
	wf := &model.Workflow{
		Name:  "self",
		Nodes: []model.Node{taskNode("a")},
		Edges: []model.Edge{{From: "a", To: "a"}},
	}
	_, err := Compile(wf)
	require.Error(t, err)
	compErr := &CompilationError{}
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, REASON_SELF_EDGE, compErr.Reason)
}

func testRejectDuplicateEdge(t *testing.T) {
	wf := &model.Workflow{
		Name:  "dup-edge",
		Nodes: []model.Node{taskNode("a"), taskNode("b")},
		Edges: []model.Edge{{From: "a", To: "b"}, {From: "a", To: "b"}},
	}
	_, err := Compile(wf)
	require.Error(t, err)
	compErr := &CompilationError{}
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, REASON_DUPLICATE_EDGE, compErr.Reason)
}

func testRejectNoEntry(t *testing.T) {
	wf := &model.Workflow{
		Name:  "ring",
		Nodes: []model.Node{taskNode("a"), taskNode("b")},
		Edges: []model.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	_, err := Compile(wf)
	require.Error(t, err)
	compErr := &CompilationError{}
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, REASON_NO_ENTRY, compErr.Reason)
}

func testReportClosedCyclePath(t *testing.T) {
	wf := &model.Workflow{
		Name:  "loop",
		Nodes: []model.Node{taskNode("start"), taskNode("b"), taskNode("c"), taskNode("d")},
		Edges: []model.Edge{
			{From: "start", To: "b"},
			{From: "b", To: "c"},
			{From: "c", To: "d"},
			{From: "d", To: "b"},
		},
	}
	_, err := Compile(wf)
	require.Error(t, err)
	compErr := &CompilationError{}
	require.ErrorAs(t, err, &compErr)
	require.Equal(t, REASON_CYCLE, compErr.Reason)

	cycle := compErr.Cycle
	require.GreaterOrEqual(t, len(cycle), 3)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1])

	edges := make(map[string]bool)
	for _, e := range wf.Edges {
		edges[e.From+"->"+e.To] = true
	}
	for i := 0; i < len(cycle)-1; i++ {
		assert.True(t, edges[cycle[i]+"->"+cycle[i+1]], "cycle hop %s -> %s is not an edge", cycle[i], cycle[i+1])
	}
}

func testOrderTopologically(t *testing.T) {
	plan, err := Compile(diamondWorkflow())
	require.NoError(t, err)

	position := make(map[int]int, len(plan.Order))
	for pos, idx := range plan.Order {
		position[idx] = pos
	}
	for from, succs := range plan.Successors {
		for _, to := range succs {
			assert.Less(t, position[from], position[to])
		}
	}
}
