package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/crmflow-go/internal/crm"
	"github.com/crmflow-go/internal/engine"
)

// RegisterBuiltins wires the standard CRM action handlers into the registry.
// Every handler reports missing identifiers softly (an "error" key in the
// result) and reserves the Go error for CRM subsystem failures.
func RegisterBuiltins(r *Registry, client crm.Client) {
	r.Register("send_sms", sendSMS(client))
	r.Register("send_email", sendEmail(client))
	r.Register("add_tag", addTag(client))
	r.Register("remove_tag", removeTag(client))
	r.Register("update_custom_field", updateCustomField(client))
	r.Register("create_task", createTask(client))
	r.Register("move_opportunity", moveOpportunity(client))
	r.Register("add_to_workflow", addToWorkflow(client))
	r.Register("http_webhook", httpWebhook())
}

func sendSMS(client crm.Client) Handler {
	return func(ctx context.Context, config map[string]interface{}, ec *engine.Context) (map[string]interface{}, error) {
		contactID := contactIDFrom(config, ec)
		if contactID == "" {
			return softError("No contact_id available"), nil
		}
		result, err := client.SendSMS(ctx, contactID, getString(config, "message"))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"sent":       true,
			"type":       "sms",
			"contact_id": contactID,
			"result":     result,
		}, nil
	}
}

func sendEmail(client crm.Client) Handler {
	return func(ctx context.Context, config map[string]interface{}, ec *engine.Context) (map[string]interface{}, error) {
		contactID := contactIDFrom(config, ec)
		if contactID == "" {
			return softError("No contact_id available"), nil
		}
		result, err := client.SendEmail(ctx, contactID, getString(config, "subject"), getString(config, "body"))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"sent":       true,
			"type":       "email",
			"contact_id": contactID,
			"result":     result,
		}, nil
	}
}

func addTag(client crm.Client) Handler {
	return func(ctx context.Context, config map[string]interface{}, ec *engine.Context) (map[string]interface{}, error) {
		contactID := contactIDFrom(config, ec)
		tag := getString(config, "tag")
		if contactID == "" || tag == "" {
			return softError("contact_id and tag required"), nil
		}
		result, err := client.AddTag(ctx, contactID, tag)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"tagged":     true,
			"contact_id": contactID,
			"tag":        tag,
			"result":     result,
		}, nil
	}
}

func removeTag(client crm.Client) Handler {
	return func(ctx context.Context, config map[string]interface{}, ec *engine.Context) (map[string]interface{}, error) {
		contactID := contactIDFrom(config, ec)
		tag := getString(config, "tag")
		if contactID == "" || tag == "" {
			return softError("contact_id and tag required"), nil
		}
		result, err := client.RemoveTag(ctx, contactID, tag)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"untagged":   true,
			"contact_id": contactID,
			"tag":        tag,
			"result":     result,
		}, nil
	}
}

func updateCustomField(client crm.Client) Handler {
	return func(ctx context.Context, config map[string]interface{}, ec *engine.Context) (map[string]interface{}, error) {
		contactID := contactIDFrom(config, ec)
		fieldKey := getString(config, "field_key")
		if contactID == "" || fieldKey == "" {
			return softError("contact_id and field_key required"), nil
		}
		result, err := client.UpdateCustomField(ctx, contactID, fieldKey, config["value"])
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"updated":    true,
			"contact_id": contactID,
			"field_key":  fieldKey,
			"result":     result,
		}, nil
	}
}

func createTask(client crm.Client) Handler {
	return func(ctx context.Context, config map[string]interface{}, ec *engine.Context) (map[string]interface{}, error) {
		contactID := contactIDFrom(config, ec)
		if contactID == "" {
			return softError("No contact_id available"), nil
		}
		task := crm.Task{
			Title:       getString(config, "title"),
			DueDate:     getString(config, "due_date"),
			Description: getString(config, "description"),
		}
		if task.Title == "" {
			task.Title = "New Task"
		}
		result, err := client.CreateTask(ctx, contactID, task)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"created":    true,
			"type":       "task",
			"contact_id": contactID,
			"result":     result,
		}, nil
	}
}

func moveOpportunity(client crm.Client) Handler {
	return func(ctx context.Context, config map[string]interface{}, ec *engine.Context) (map[string]interface{}, error) {
		opportunityID := getString(config, "opportunity_id")
		if opportunityID == "" {
			if fromCtx, ok := ec.Get("opportunity.id").(string); ok {
				opportunityID = fromCtx
			}
		}
		stageID := getString(config, "stage_id")
		if opportunityID == "" || stageID == "" {
			return softError("opportunity_id and stage_id required"), nil
		}
		result, err := client.MoveOpportunityStage(ctx, opportunityID, stageID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"moved":          true,
			"opportunity_id": opportunityID,
			"stage_id":       stageID,
			"result":         result,
		}, nil
	}
}

func addToWorkflow(client crm.Client) Handler {
	return func(ctx context.Context, config map[string]interface{}, ec *engine.Context) (map[string]interface{}, error) {
		contactID := contactIDFrom(config, ec)
		workflowID := getString(config, "workflow_id")
		if contactID == "" || workflowID == "" {
			return softError("contact_id and workflow_id required"), nil
		}
		result, err := client.AddToWorkflow(ctx, contactID, workflowID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"added":       true,
			"contact_id":  contactID,
			"workflow_id": workflowID,
			"result":      result,
		}, nil
	}
}

// httpWebhook posts the configured body to an arbitrary URL. It has its own
// HTTP client: calls here go to customer endpoints, not the CRM, so they
// bypass the CRM breaker and rate limiter.
func httpWebhook() Handler {
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, config map[string]interface{}, ec *engine.Context) (map[string]interface{}, error) {
		url := getString(config, "url")
		if url == "" {
			return softError("URL required"), nil
		}

		method := strings.ToUpper(getString(config, "method"))
		if method == "" {
			method = http.MethodPost
		}

		var body io.Reader
		if method != http.MethodGet {
			payload := config["body"]
			if payload == nil {
				payload = map[string]interface{}{}
			}
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal webhook body: %w", err)
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if headers, ok := config["headers"].(map[string]interface{}); ok {
			for key, value := range headers {
				if text, ok := value.(string); ok {
					req.Header.Set(key, text)
				}
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1000))
		if err != nil {
			return nil, fmt.Errorf("failed to read webhook response: %w", err)
		}

		return map[string]interface{}{
			"status_code": resp.StatusCode,
			"response":    string(data),
		}, nil
	}
}

func softError(reason string) map[string]interface{} {
	return map[string]interface{}{"error": reason}
}

func getString(config map[string]interface{}, key string) string {
	value, _ := config[key].(string)
	return value
}

func contactIDFrom(config map[string]interface{}, ec *engine.Context) string {
	if id := getString(config, "contact_id"); id != "" {
		return id
	}
	if id, ok := ec.Get("contact.id").(string); ok {
		return id
	}
	return ""
}
