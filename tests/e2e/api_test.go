package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibex/internal/management"
)

const (
	managementServiceURL = "http://localhost:8084"
)

func TestManagementServiceHealth(t *testing.T) {
	url := fmt.Sprintf("%s/health", managementServiceURL)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]interface{}
	err = json.NewDecoder(resp.Body).Decode(&health)
	require.NoError(t, err)
	assert.NotNil(t, health["status"])
}

func TestRoutingRulesCRUD(t *testing.T) {
	createReq := management.CreateRoutingRuleRequest{
		Name:         "e2e_orders_rule",
		Pattern:      "e2e.order.*",
		Strategy:     "DIRECT",
		Destinations: []string{"topic:e2e_processed"},
		Priority:     10,
	}

	ruleID := createRoutingRule(t, createReq)
	defer deleteRoutingRule(t, ruleID)

	rule := getRoutingRule(t, ruleID)
	assert.Equal(t, createReq.Name, rule.Name)
	assert.Equal(t, createReq.Pattern, rule.Pattern)
	assert.Equal(t, createReq.Destinations, rule.Destinations)
	assert.True(t, rule.Active)
	assert.Equal(t, 1, rule.Version)

	rules := listRoutingRules(t)
	found := false
	for _, r := range rules {
		if r.ID == ruleID {
			found = true
			break
		}
	}
	assert.True(t, found, "created rule should be in the list")

	updateReq := management.UpdateRoutingRuleRequest{
		Priority:     intPtr(20),
		Destinations: &[]string{"topic:e2e_processed", "topic:e2e_audit"},
	}
	updated := updateRoutingRule(t, ruleID, updateReq)
	assert.Equal(t, 20, updated.Priority)
	assert.Len(t, updated.Destinations, 2)
	assert.Equal(t, 2, updated.Version)

	versions := getRuleVersions(t, ruleID)
	assert.GreaterOrEqual(t, len(versions), 2)

	logs := getRuleAuditLogs(t, ruleID)
	assert.GreaterOrEqual(t, len(logs), 2)
}

func TestRoutingRuleActivation(t *testing.T) {
	ruleID := createRoutingRule(t, management.CreateRoutingRuleRequest{
		Name:         "e2e_toggle_rule",
		Pattern:      "e2e.toggle.*",
		Strategy:     "DIRECT",
		Destinations: []string{"topic:e2e_processed"},
	})
	defer deleteRoutingRule(t, ruleID)

	resp := postJSON(t, fmt.Sprintf("%s/api/v1/rules/routing/%s/deactivate", managementServiceURL, ruleID), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rule := getRoutingRule(t, ruleID)
	assert.False(t, rule.Active)

	resp = postJSON(t, fmt.Sprintf("%s/api/v1/rules/routing/%s/activate", managementServiceURL, ruleID), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rule = getRoutingRule(t, ruleID)
	assert.True(t, rule.Active)
}

func TestAggregationDefinitionsCRUD(t *testing.T) {
	createReq := management.CreateAggregationDefinitionRequest{
		Key:            "e2e-order-batch",
		Strategy:       "COLLECT_ALL",
		CompletionMode: "SIZE",
		ExpectedCount:  3,
		TimeoutSeconds: 120,
	}

	resp := postJSON(t, fmt.Sprintf("%s/api/v1/aggregations/definitions", managementServiceURL), createReq)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	defer func() {
		req, _ := http.NewRequest(http.MethodDelete,
			fmt.Sprintf("%s/api/v1/aggregations/definitions/e2e-order-batch", managementServiceURL), nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}()

	getResp, err := http.Get(fmt.Sprintf("%s/api/v1/aggregations/definitions/e2e-order-batch", managementServiceURL))
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var def map[string]interface{}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&def))
	assert.Equal(t, "COLLECT_ALL", def["strategy"])
	assert.Equal(t, float64(3), def["expectedCount"])

	updateReq := management.UpdateAggregationDefinitionRequest{
		ExpectedCount: intPtr(5),
	}
	putResp := putJSON(t, fmt.Sprintf("%s/api/v1/aggregations/definitions/e2e-order-batch", managementServiceURL), updateReq)
	defer putResp.Body.Close()
	require.Equal(t, http.StatusOK, putResp.StatusCode)
}

func TestDedupFields(t *testing.T) {
	resp, err := http.Get(fmt.Sprintf("%s/api/v1/dedup/fields", managementServiceURL))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fields map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fields))
	original := fields["fields_to_hash"]
	require.NotEmpty(t, original)

	updateResp := putJSON(t, fmt.Sprintf("%s/api/v1/dedup/fields", managementServiceURL),
		management.UpdateDedupFieldsRequest{FieldsToHash: []string{"id", "source", "tenant_id"}})
	defer updateResp.Body.Close()
	require.Equal(t, http.StatusOK, updateResp.StatusCode)

	// Restore so other tests see the stock configuration.
	restoreResp := putJSON(t, fmt.Sprintf("%s/api/v1/dedup/fields", managementServiceURL),
		management.UpdateDedupFieldsRequest{FieldsToHash: original})
	defer restoreResp.Body.Close()
	require.Equal(t, http.StatusOK, restoreResp.StatusCode)
}

func TestValidationErrors(t *testing.T) {
	resp := postJSON(t, fmt.Sprintf("%s/api/v1/rules/routing", managementServiceURL),
		management.CreateRoutingRuleRequest{
			Name:         "bad_rule",
			Pattern:      "or*der",
			Strategy:     "DIRECT",
			Destinations: []string{"topic:somewhere"},
		})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, fmt.Sprintf("%s/api/v1/rules/routing", managementServiceURL),
		management.CreateRoutingRuleRequest{
			Name:         "bad_destination",
			Pattern:      "order.*",
			Strategy:     "DIRECT",
			Destinations: []string{"nowhere"},
		})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func createRoutingRule(t *testing.T, req management.CreateRoutingRuleRequest) string {
	t.Helper()

	resp := postJSON(t, fmt.Sprintf("%s/api/v1/rules/routing", managementServiceURL), req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var rule management.RoutingRule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rule))
	require.NotEmpty(t, rule.ID)
	return rule.ID
}

func getRoutingRule(t *testing.T, id string) management.RoutingRule {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/rules/routing/%s", managementServiceURL, id))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rule management.RoutingRule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rule))
	return rule
}

func listRoutingRules(t *testing.T) []management.RoutingRule {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/rules/routing", managementServiceURL))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rules []management.RoutingRule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rules))
	return rules
}

func updateRoutingRule(t *testing.T, id string, req management.UpdateRoutingRuleRequest) management.RoutingRule {
	t.Helper()

	resp := putJSON(t, fmt.Sprintf("%s/api/v1/rules/routing/%s", managementServiceURL, id), req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rule management.RoutingRule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rule))
	return rule
}

func deleteRoutingRule(t *testing.T, id string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/v1/rules/routing/%s", managementServiceURL, id), nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
}

func getRuleVersions(t *testing.T, id string) []management.RuleVersion {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/rules/routing/%s/versions", managementServiceURL, id))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var versions []management.RuleVersion
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&versions))
	return versions
}

func getRuleAuditLogs(t *testing.T, id string) []management.AuditLog {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/rules/routing/%s/audit", managementServiceURL, id))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var logs []management.AuditLog
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&logs))
	return logs
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func putJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))

	req, err := http.NewRequest(http.MethodPut, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func intPtr(i int) *int {
	return &i
}
