package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	actions "github.com/swiftreplies/wabroker/actions/domain"
	"github.com/swiftreplies/wabroker/agents"
	"github.com/swiftreplies/wabroker/broadcast"
	conversations "github.com/swiftreplies/wabroker/conversations/domain"
	"github.com/swiftreplies/wabroker/pkg/phone"
	"github.com/swiftreplies/wabroker/transport/whatsapp"
	usage "github.com/swiftreplies/wabroker/usage/domain"
)

const maxLocationFieldLen = 1000

// ToolExecutor runs the agent's tool calls for one Turn. Every execution is
// scoped to the Turn's tenant; tool arguments can never redirect a send to
// another tenant or another customer.
type ToolExecutor struct {
	turn     *Turn
	contact  *conversations.Contact
	client   *whatsapp.Client
	messages conversations.IMessageRepository
	actions  actions.IActionRepository
	usage    usage.IUsageRepository
	hub      *broadcast.Hub
}

var _ agents.ToolExecutor = (*ToolExecutor)(nil)

func NewToolExecutor(turn *Turn, contact *conversations.Contact, client *whatsapp.Client,
	messages conversations.IMessageRepository, actionRepo actions.IActionRepository,
	usageRepo usage.IUsageRepository, hub *broadcast.Hub) *ToolExecutor {
	return &ToolExecutor{
		turn:     turn,
		contact:  contact,
		client:   client,
		messages: messages,
		actions:  actionRepo,
		usage:    usageRepo,
		hub:      hub,
	}
}

func (e *ToolExecutor) Specs() []agents.ToolSpec {
	return []agents.ToolSpec{
		{
			Name:        "send_image",
			Description: "Send an image to the customer. The image must be an HTTPS URL to a JPEG, PNG, WebP or GIF of at most 5 MiB.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to_number": map[string]any{"type": "string", "description": "Customer phone number"},
					"image_url": map[string]any{"type": "string", "description": "HTTPS URL of the image"},
					"caption":   map[string]any{"type": "string", "description": "Optional caption"},
				},
				"required": []string{"to_number", "image_url"},
			},
		},
		{
			Name:        "send_location",
			Description: "Send a location pin to the customer.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to_number": map[string]any{"type": "string"},
					"lat":       map[string]any{"type": "number", "description": "Latitude, -90 to 90"},
					"lon":       map[string]any{"type": "number", "description": "Longitude, -180 to 180"},
					"name":      map[string]any{"type": "string"},
					"address":   map[string]any{"type": "string"},
				},
				"required": []string{"to_number", "lat", "lon"},
			},
		},
		{
			Name:        "send_template",
			Description: "Send a pre-approved template message to the customer.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to_number":     map[string]any{"type": "string"},
					"template_name": map[string]any{"type": "string"},
					"variables":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"language":      map[string]any{"type": "string"},
				},
				"required": []string{"to_number", "template_name"},
			},
		},
		{
			Name:        "submit_action",
			Description: "Raise a request for a human operator (refunds, custom quotes, anything needing approval). The customer is notified once the operator responds.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"request_type":    map[string]any{"type": "string", "description": "Classification, e.g. refund_request"},
					"request_details": map[string]any{"type": "string"},
					"priority":        map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
					"request_data":    map[string]any{"type": "object", "description": "Optional structured payload"},
				},
				"required": []string{"request_type", "request_details", "priority"},
			},
		},
		{
			Name:        "download_media",
			Description: "Download a media attachment the customer sent and return its metadata.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"provider_media_url": map[string]any{"type": "string"},
				},
				"required": []string{"provider_media_url"},
			},
		},
	}
}

func (e *ToolExecutor) Execute(ctx context.Context, call agents.ToolCall) (json.RawMessage, error) {
	logrus.Debugf("[TOOLS] %s for tenant %d contact %d", call.Name, e.turn.Binding.TenantID, e.contact.ID)
	switch call.Name {
	case "send_image":
		return e.sendImage(ctx, call.Arguments)
	case "send_location":
		return e.sendLocation(ctx, call.Arguments)
	case "send_template":
		return e.sendTemplate(ctx, call.Arguments)
	case "submit_action":
		return e.submitAction(ctx, call.Arguments)
	case "download_media":
		return e.downloadMedia(ctx, call.Arguments)
	default:
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}
}

// checkRecipient enforces that the agent only messages the contact this
// Turn is running for.
func (e *ToolExecutor) checkRecipient(toNumber string) error {
	if phone.Normalize(toNumber) != e.contact.PhoneNumber {
		return fmt.Errorf("to_number must be the current conversation's contact")
	}
	return nil
}

type sendImageArgs struct {
	ToNumber string `json:"to_number"`
	ImageURL string `json:"image_url"`
	Caption  string `json:"caption"`
}

func (a sendImageArgs) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.ToNumber, validation.Required),
		validation.Field(&a.ImageURL, validation.Required),
	)
}

func (e *ToolExecutor) sendImage(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args sendImageArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid send_image arguments: %w", err)
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if err := e.checkRecipient(args.ToNumber); err != nil {
		return nil, err
	}
	if err := e.client.ProbeImage(ctx, args.ImageURL); err != nil {
		return nil, err
	}

	res, err := e.client.SendImage(ctx, e.contact.PhoneNumber, args.ImageURL, args.Caption)
	if err != nil {
		e.persistOutbound(ctx, conversations.TypeImage, args.Caption, args.ImageURL, "", conversations.StatusFailed, err.Error())
		return nil, err
	}
	msg := e.persistOutbound(ctx, conversations.TypeImage, args.Caption, args.ImageURL, res.ProviderMessageID, conversations.StatusSent, "")
	e.recordOutboundSend(ctx, msg)
	return json.Marshal(map[string]any{"status": "sent", "message_id": msg.ID})
}

type sendLocationArgs struct {
	ToNumber string  `json:"to_number"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Name     string  `json:"name"`
	Address  string  `json:"address"`
}

func (a sendLocationArgs) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.ToNumber, validation.Required),
		validation.Field(&a.Lat, validation.Min(-90.0), validation.Max(90.0)),
		validation.Field(&a.Lon, validation.Min(-180.0), validation.Max(180.0)),
		validation.Field(&a.Name, validation.Length(0, maxLocationFieldLen)),
		validation.Field(&a.Address, validation.Length(0, maxLocationFieldLen)),
	)
}

func (e *ToolExecutor) sendLocation(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args sendLocationArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid send_location arguments: %w", err)
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if err := e.checkRecipient(args.ToNumber); err != nil {
		return nil, err
	}

	res, err := e.client.SendLocation(ctx, e.contact.PhoneNumber, args.Lat, args.Lon, args.Name, args.Address)
	content := fmt.Sprintf("%f,%f", args.Lat, args.Lon)
	if err != nil {
		e.persistOutbound(ctx, conversations.TypeLocation, content, "", "", conversations.StatusFailed, err.Error())
		return nil, err
	}
	msg := e.persistOutbound(ctx, conversations.TypeLocation, content, "", res.ProviderMessageID, conversations.StatusSent, "")
	e.recordOutboundSend(ctx, msg)
	return json.Marshal(map[string]any{"status": "sent", "message_id": msg.ID})
}

type sendTemplateArgs struct {
	ToNumber     string   `json:"to_number"`
	TemplateName string   `json:"template_name"`
	Variables    []string `json:"variables"`
	Language     string   `json:"language"`
}

func (a sendTemplateArgs) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.ToNumber, validation.Required),
		validation.Field(&a.TemplateName, validation.Required),
	)
}

func (e *ToolExecutor) sendTemplate(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args sendTemplateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid send_template arguments: %w", err)
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if err := e.checkRecipient(args.ToNumber); err != nil {
		return nil, err
	}

	res, err := e.client.SendTemplate(ctx, e.contact.PhoneNumber, args.TemplateName, args.Variables, args.Language)
	if err != nil {
		e.persistOutbound(ctx, conversations.TypeTemplate, args.TemplateName, "", "", conversations.StatusFailed, err.Error())
		return nil, err
	}
	msg := e.persistOutbound(ctx, conversations.TypeTemplate, args.TemplateName, "", res.ProviderMessageID, conversations.StatusSent, "")
	e.recordOutboundSend(ctx, msg)
	return json.Marshal(map[string]any{"status": "sent", "message_id": msg.ID})
}

type submitActionArgs struct {
	RequestType    string          `json:"request_type"`
	RequestDetails string          `json:"request_details"`
	Priority       string          `json:"priority"`
	RequestData    json.RawMessage `json:"request_data"`
}

func (a submitActionArgs) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.RequestType, validation.Required, validation.Length(1, actions.MaxRequestTypeLen)),
		validation.Field(&a.RequestDetails, validation.Required, validation.Length(1, actions.MaxRequestDetailsLen)),
		validation.Field(&a.Priority, validation.Required, validation.In("low", "medium", "high")),
	)
}

func (e *ToolExecutor) submitAction(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args submitActionArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid submit_action arguments: %w", err)
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	// The cap is on encoded bytes, inclusive.
	if len(args.RequestData) > actions.MaxRequestDataBytes {
		return nil, fmt.Errorf("request_data is %d bytes, cap is %d", len(args.RequestData), actions.MaxRequestDataBytes)
	}

	action := &actions.Action{
		TenantID:       e.turn.Binding.TenantID,
		ChatbotID:      e.turn.Binding.ChatbotID,
		ContactID:      e.contact.ID,
		RequestType:    args.RequestType,
		RequestDetails: args.RequestDetails,
		RequestData:    args.RequestData,
		Priority:       actions.Priority(args.Priority),
		Status:         actions.StatusPending,
	}
	if err := e.actions.Create(ctx, action); err != nil {
		return nil, err
	}

	body, _ := json.Marshal(conversations.ActionIndicatorBody{
		ActionID:    action.ID,
		RequestType: action.RequestType,
		Status:      string(action.Status),
		Priority:    string(action.Priority),
	})
	indicator := &conversations.Message{
		ContactID:   e.contact.ID,
		TenantID:    e.turn.Binding.TenantID,
		ChatbotID:   e.turn.Binding.ChatbotID,
		Direction:   conversations.DirectionInternal,
		MessageType: conversations.TypeActionIndicator,
		ContentText: string(body),
		Metadata:    json.RawMessage(`{"internal_only":true}`),
		ActionID:    &action.ID,
	}
	if err := e.messages.Create(ctx, indicator); err != nil {
		logrus.WithError(err).Warn("[TOOLS] Failed to persist action indicator")
	}

	e.hub.Publish(broadcast.Event{
		Type:     broadcast.EventActionCreated,
		TenantID: e.turn.Binding.TenantID,
		Payload: map[string]any{
			"action_id":    action.ID,
			"contact_id":   e.contact.ID,
			"request_type": action.RequestType,
			"priority":     string(action.Priority),
		},
	})
	return json.Marshal(map[string]any{"status": "submitted", "action_id": action.ID})
}

type downloadMediaArgs struct {
	ProviderMediaURL string `json:"provider_media_url"`
}

func (e *ToolExecutor) downloadMedia(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args downloadMediaArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid download_media arguments: %w", err)
	}
	if args.ProviderMediaURL == "" {
		return nil, fmt.Errorf("provider_media_url is required")
	}

	media, err := e.client.DownloadMedia(ctx, args.ProviderMediaURL)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"content_type": media.ContentType,
		"size_bytes":   media.Size,
	})
}

// persistOutbound writes one outgoing transcript row; persistence failures
// are logged, never surfaced to the agent.
func (e *ToolExecutor) persistOutbound(ctx context.Context, msgType conversations.MessageType,
	text, url, providerID string, status conversations.MessageStatus, errDetail string) *conversations.Message {
	msg := &conversations.Message{
		ProviderMessageID: providerID,
		ContactID:         e.contact.ID,
		TenantID:          e.turn.Binding.TenantID,
		ChatbotID:         e.turn.Binding.ChatbotID,
		Direction:         conversations.DirectionOutgoing,
		MessageType:       msgType,
		ContentText:       text,
		ContentURL:        url,
		Status:            status,
		SentAt:            time.Now().UTC(),
		AIProcessed:       true,
	}
	if errDetail != "" {
		msg.Metadata, _ = json.Marshal(map[string]string{"error": errDetail})
	}
	if err := e.messages.Create(ctx, msg); err != nil {
		logrus.WithError(err).Warn("[TOOLS] Failed to persist outbound message")
	}
	return msg
}

func (e *ToolExecutor) recordOutboundSend(ctx context.Context, msg *conversations.Message) {
	if err := e.usage.IncrementOutbound(ctx, e.turn.Binding.TenantID, time.Now()); err != nil {
		logrus.WithError(err).Warn("[TOOLS] Usage increment failed")
	}
	e.hub.Publish(broadcast.Event{
		Type:     broadcast.EventMessageOutgoing,
		TenantID: e.turn.Binding.TenantID,
		Payload: map[string]any{
			"message_id":   msg.ID,
			"contact_id":   e.contact.ID,
			"message_type": string(msg.MessageType),
		},
	})
}
