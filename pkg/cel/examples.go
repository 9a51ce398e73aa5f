package cel

var RouteExpressionExamples = map[string]string{
	"simple_equals":        `payload.status == "active"`,
	"simple_not_equals":    `payload.status != "draft"`,
	"numeric_greater_than": `payload.amount > 100.0`,
	"numeric_less_than":    `payload.amount < 1000.0`,
	"in_list":              `payload.region in ["emea", "amer", "apac"]`,
	"range_check":          `payload.amount >= 10.0 && payload.amount <= 10000.0`,
	"combined_conditions":  `message_type == "contract.created" && payload.amount > 100.0`,
	"nested_field":         `payload.customer.tier == "premium"`,
	"tenant_scoped":        `tenant_id == "tenant-42" && payload.priority == "high"`,
	"has_field":            `has(payload.batch_id) && payload.batch_id != ""`,
	"routing_key_prefix":   `routing_key.startsWith("etl.")`,
	"retry_aware":          `retry_count > 0 || payload.status == "pending"`,
}

// DynamicExpressionExamples compute destinations at evaluation time.
var DynamicExpressionExamples = map[string]string{
	"per_region_topic":  `"topic:events." + string(payload.region)`,
	"tiered_handler":    `payload.customer.tier == "premium" ? "handler:priority" : "handler:standard"`,
	"recipient_list":    `["topic:contracts", "topic:audit"]`,
	"tenant_topic":      `"topic:tenant." + tenant_id`,
	"batch_aggregation": `"aggregate:" + string(payload.batch_id)`,
}

// CompletionExpressionExamples decide when an aggregation instance is
// done, beyond a plain expected count.
var CompletionExpressionExamples = map[string]string{
	"count_reached":    `count >= expected`,
	"final_marker":     `payload.final == true`,
	"count_or_elapsed": `count >= expected || elapsed_seconds > 120`,
	"minimum_batch":    `count >= 10`,
}
