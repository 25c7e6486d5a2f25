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

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("AGENTD_API_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

type client struct {
	r *resty.Client
}

func newClient(baseURL, token string) *client {
	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		r.SetAuthToken(token)
	}
	return &client{r: r}
}

// call 发送请求；状态码不在 want 中时以响应体作为错误
func (c *client) call(method, path string, body, out interface{}, want ...int) error {
	req := c.r.R()
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if len(want) == 0 {
		want = []int{http.StatusOK}
	}
	for _, code := range want {
		if resp.StatusCode() == code {
			return nil
		}
	}
	msg := strings.TrimSpace(resp.String())
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(resp.Body(), &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode(), msg)
}

func (c *client) health() (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.call(http.MethodGet, "/api/health", nil, &out, http.StatusOK, http.StatusServiceUnavailable)
	return out, err
}

func (c *client) login(clientID, secret string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"client_id": clientID, "client_secret": secret}
	if err := c.call(http.MethodPost, "/api/auth/login", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *client) listAgents() ([]map[string]interface{}, error) {
	var out struct {
		Agents []map[string]interface{} `json:"agents"`
	}
	err := c.call(http.MethodGet, "/api/agents", nil, &out)
	return out.Agents, err
}

func (c *client) getAgent(id string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.call(http.MethodGet, "/api/agents/"+id, nil, &out)
	return out, err
}

func (c *client) createAgent(body map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.call(http.MethodPost, "/api/agents", body, &out, http.StatusCreated)
	return out, err
}

func (c *client) deleteAgent(id string) error {
	return c.call(http.MethodDelete, "/api/agents/"+id, nil, nil)
}

// agentAction start | stop | cancel
func (c *client) agentAction(id, action string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.call(http.MethodPost, "/api/agents/"+id+"/"+action, nil, &out)
	return out, err
}

func (c *client) sendMessage(agentID string, body map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.call(http.MethodPost, "/api/agents/"+agentID+"/messages", body, &out, http.StatusOK, http.StatusAccepted)
	return out, err
}

// review approve | reject
func (c *client) review(agentID, eventID, decision string) error {
	return c.call(http.MethodPost, "/api/agents/"+agentID+"/events/"+eventID+"/"+decision, nil, nil)
}

func (c *client) listTasks() ([]map[string]interface{}, error) {
	var out struct {
		Tasks []map[string]interface{} `json:"tasks"`
	}
	err := c.call(http.MethodGet, "/api/tasks", nil, &out)
	return out.Tasks, err
}

func (c *client) createTask(body map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.call(http.MethodPost, "/api/tasks", body, &out, http.StatusCreated)
	return out, err
}

// taskAction trigger | enable | disable
func (c *client) taskAction(id, action string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.call(http.MethodPost, "/api/tasks/"+id+"/"+action, nil, &out)
	return out, err
}

func (c *client) listTools() (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.call(http.MethodGet, "/api/tools", nil, &out)
	return out, err
}

func prettyJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
