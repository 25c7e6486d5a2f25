// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package planner

import (
	"context"
	"strings"
	"testing"
)

func TestTaskGraph_Marshal_Unmarshal(t *testing.T) {
	g := &TaskGraph{
		Goal: "g1",
		Nodes: []TaskNode{
			{ID: "n1", Type: NodeLLM, Description: "summarize"},
			{ID: "n2", Type: NodeTool, ToolName: "search"},
		},
		Edges: []TaskEdge{{From: "n1", To: "n2"}},
	}
	data, err := g.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out TaskGraph
	if err := out.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(out.Nodes) != 2 || len(out.Edges) != 1 || out.Goal != "g1" {
		t.Errorf("Unmarshal: %+v", out)
	}
}

func TestTaskGraph_Order(t *testing.T) {
	g := &TaskGraph{
		Nodes: []TaskNode{
			{ID: "report", Description: "write report"},
			{ID: "fetch", ToolName: "http.request", Description: "fetch the page"},
			{ID: "parse", Description: "parse prices"},
		},
		Edges: []TaskEdge{{From: "fetch", To: "parse"}, {From: "parse", To: "report"}},
	}
	plan, err := g.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	var got []string
	for _, s := range plan.Steps {
		got = append(got, s.Description)
	}
	if strings.Join(got, "|") != "fetch the page|parse prices|write report" {
		t.Errorf("order: %v", got)
	}
	if len(plan.Steps[0].ExpectedTools) != 1 || plan.Steps[0].ExpectedTools[0] != "http.request" {
		t.Errorf("expected tools: %+v", plan.Steps[0])
	}
}

func TestTaskGraph_Cycle(t *testing.T) {
	g := &TaskGraph{
		Nodes: []TaskNode{{ID: "a"}, {ID: "b"}},
		Edges: []TaskEdge{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	if _, err := g.Order(); err == nil {
		t.Fatal("expected cycle error")
	}
	g = &TaskGraph{Nodes: []TaskNode{{ID: "a"}}, Edges: []TaskEdge{{From: "a", To: "zz"}}}
	if _, err := g.Order(); err == nil {
		t.Fatal("expected unknown node error")
	}
}

func TestKeywordPlanner_Advance(t *testing.T) {
	p := NewKeywordPlanner(PlanFromStrings("price report", []string{
		"fetch competitor pricing page",
		"extract product prices",
		"email summary to sales",
	}))
	ctx := context.Background()

	if !strings.Contains(p.PlanContext(), "Current step 1/3: fetch competitor pricing page") {
		t.Fatalf("context: %q", p.PlanContext())
	}
	if u := p.MaybeAdvancePlan(ctx, []string{"thought about it"}); u != nil {
		t.Fatalf("unexpected advance: %+v", u)
	}
	u := p.MaybeAdvancePlan(ctx, []string{"fetched competitor pricing page"})
	if u == nil || u.CompletedStep != 0 || u.CurrentStep != 1 {
		t.Fatalf("advance: %+v", u)
	}
	// "pricing" 与 "prices" 不同词，"product prices" 覆盖 2/3
	u = p.MaybeAdvancePlan(ctx, []string{"fetched competitor pricing page", "extracted product prices"})
	if u == nil || u.CurrentStep != 2 {
		t.Fatalf("advance 2: %+v", u)
	}
	u = p.MaybeAdvancePlan(ctx, []string{"sent summary email to sales team"})
	if u == nil || u.CurrentStep != 3 {
		t.Fatalf("advance 3: %+v", u)
	}
	if p.PlanContext() != "" {
		t.Errorf("finished plan should have empty context, got %q", p.PlanContext())
	}
	if p.MaybeAdvancePlan(ctx, nil) != nil {
		t.Error("finished plan should not update")
	}
}

func TestKeywordPlanner_Threshold(t *testing.T) {
	steps := []string{"download invoice archive totals"}
	completed := []string{"download invoice"}
	// 2/4 = 0.5
	if u := NewKeywordPlanner(PlanFromStrings("", steps)).MaybeAdvancePlan(context.Background(), completed); u == nil {
		t.Fatal("default threshold 0.4 should advance at 0.5 overlap")
	}
	if u := NewKeywordPlanner(PlanFromStrings("", steps), WithThreshold(0.75)).MaybeAdvancePlan(context.Background(), completed); u != nil {
		t.Fatalf("threshold 0.75 should not advance: %+v", u)
	}
}

func TestKeywordPlanner_ReplanOnce(t *testing.T) {
	p := NewKeywordPlanner(PlanFromStrings("", []string{"deploy service"}), WithReplanAfter(2))
	ctx := context.Background()
	if p.MaybeAdvancePlan(ctx, nil) != nil {
		t.Fatal("first stall should not replan")
	}
	u := p.MaybeAdvancePlan(ctx, nil)
	if u == nil || !u.Replan || u.CompletedStep != -1 {
		t.Fatalf("expected replan: %+v", u)
	}
	if p.MaybeAdvancePlan(ctx, nil) != nil {
		t.Fatal("replan requested only once")
	}
}
