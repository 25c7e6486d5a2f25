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
	"encoding/json"
	"fmt"
	"sort"
)

// TaskNodeType 节点类型
const (
	NodeTool = "tool"
	NodeLLM  = "llm"
)

// TaskNode 任务图中的节点
type TaskNode struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"` // tool / llm
	Description string         `json:"description,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"` // Type=tool 时使用
	Config      map[string]any `json:"config,omitempty"`
}

// TaskEdge 任务图中的边，From 完成后才轮到 To
type TaskEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TaskGraph 任务图：可序列化，随事件元数据传入
type TaskGraph struct {
	Goal  string     `json:"goal,omitempty"`
	Nodes []TaskNode `json:"nodes"`
	Edges []TaskEdge `json:"edges"`
}

// Marshal 序列化为字节
func (g *TaskGraph) Marshal() ([]byte, error) {
	return json.Marshal(g)
}

// Unmarshal 从字节反序列化
func (g *TaskGraph) Unmarshal(data []byte) error {
	return json.Unmarshal(data, g)
}

// Order 拓扑序；同层按节点声明顺序，存在环或未知节点时报错
func (g *TaskGraph) Order() ([]TaskNode, error) {
	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		if _, dup := index[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		index[n.ID] = i
	}
	indeg := make([]int, len(g.Nodes))
	next := make([][]int, len(g.Nodes))
	for _, e := range g.Edges {
		from, ok1 := index[e.From]
		to, ok2 := index[e.To]
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("edge %s -> %s references unknown node", e.From, e.To)
		}
		next[from] = append(next[from], to)
		indeg[to]++
	}
	ready := make([]int, 0, len(g.Nodes))
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]TaskNode, 0, len(g.Nodes))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		out = append(out, g.Nodes[i])
		for _, j := range next[i] {
			indeg[j]--
			if indeg[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	if len(out) != len(g.Nodes) {
		return nil, fmt.Errorf("task graph contains a cycle")
	}
	return out, nil
}

// Plan 按拓扑序把任务图展开为线性计划
func (g *TaskGraph) Plan() (Plan, error) {
	nodes, err := g.Order()
	if err != nil {
		return Plan{}, err
	}
	p := Plan{Goal: g.Goal, Steps: make([]Step, 0, len(nodes))}
	for _, n := range nodes {
		s := Step{Description: n.Description}
		if s.Description == "" {
			if goal, ok := n.Config["goal"].(string); ok {
				s.Description = goal
			} else {
				s.Description = n.ID
			}
		}
		if n.ToolName != "" {
			s.ExpectedTools = []string{n.ToolName}
		}
		p.Steps = append(p.Steps, s)
	}
	return p, nil
}
