package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"waflow/models"

	"github.com/valyala/fasthttp"
)

// OutboundMessage is the provider-facing send request built from a
// campaign's message content and one recipient's variables.
type OutboundMessage struct {
	To               string
	Body             string
	MediaURL         string
	MediaType        string // image, video, document, audio
	TemplateName     string
	TemplateLanguage string
	Buttons          []models.MessageButton
	Variables        map[string]string
}

// SendResult is the provider's acknowledgement of an accepted message
type SendResult struct {
	ExternalID     string
	ProviderStatus string
}

// MessageSender is the external messaging provider collaborator
type MessageSender interface {
	Send(ctx context.Context, msg *OutboundMessage) (*SendResult, error)
}

// WhatsAppSender sends messages through Meta's WhatsApp Business Graph
// API. Each request carries a bounded timeout; a timeout surfaces as a
// retryable provider error.
type WhatsAppSender struct {
	BaseURL       string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration

	client *fasthttp.Client
}

const defaultGraphBaseURL = "https://graph.facebook.com/v19.0"

func NewWhatsAppSender(phoneNumberID, accessToken string, timeout time.Duration) *WhatsAppSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WhatsAppSender{
		BaseURL:       defaultGraphBaseURL,
		PhoneNumberID: phoneNumberID,
		AccessToken:   accessToken,
		Timeout:       timeout,
		client: &fasthttp.Client{
			MaxIdleConnDuration: time.Minute,
		},
	}
}

type graphResponse struct {
	Messages []struct {
		ID            string `json:"id"`
		MessageStatus string `json:"message_status"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
	} `json:"error"`
}

// Send posts the message to the Graph API and classifies failures into
// retryable provider errors, permanent provider errors and auth errors.
func (s *WhatsAppSender) Send(ctx context.Context, msg *OutboundMessage) (*SendResult, error) {
	payload, err := BuildGraphPayload(msg)
	if err != nil {
		return nil, &ProviderError{Code: "payload", Message: err.Error(), Retryable: false}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProviderError{Code: "payload", Message: err.Error(), Retryable: false}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/%s/messages", s.BaseURL, s.PhoneNumberID))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	req.SetBody(body)

	timeout := s.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, &ProviderError{Code: "timeout", Message: "context deadline exceeded", Retryable: true}
	}

	if err := s.client.DoTimeout(req, resp, timeout); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return nil, &ProviderError{Code: "timeout", Message: err.Error(), Retryable: true}
		}
		return nil, &ProviderError{Code: "network", Message: err.Error(), Retryable: true}
	}

	var parsed graphResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil && resp.StatusCode() < 400 {
		return nil, &ProviderError{Code: "decode", Message: err.Error(), Retryable: true}
	}

	status := resp.StatusCode()
	switch {
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		message := "invalid access token"
		if parsed.Error != nil {
			message = parsed.Error.Message
		}
		return nil, &AuthError{Message: message}
	case status == fasthttp.StatusTooManyRequests || status >= 500:
		return nil, &ProviderError{
			Code:      strconv.Itoa(status),
			Message:   graphErrorMessage(&parsed, "provider temporarily unavailable"),
			Retryable: true,
		}
	case status >= 400:
		code := strconv.Itoa(status)
		if parsed.Error != nil {
			code = strconv.Itoa(parsed.Error.Code)
			// OAuth errors come back as 400 with code 190
			if parsed.Error.Code == 190 {
				return nil, &AuthError{Message: parsed.Error.Message}
			}
		}
		return nil, &ProviderError{
			Code:      code,
			Message:   graphErrorMessage(&parsed, "message rejected"),
			Retryable: false,
		}
	}

	if len(parsed.Messages) == 0 {
		return nil, &ProviderError{Code: "empty", Message: "provider returned no message id", Retryable: true}
	}

	providerStatus := parsed.Messages[0].MessageStatus
	if providerStatus == "" {
		providerStatus = "accepted"
	}
	return &SendResult{
		ExternalID:     parsed.Messages[0].ID,
		ProviderStatus: providerStatus,
	}, nil
}

func graphErrorMessage(resp *graphResponse, fallback string) string {
	if resp.Error != nil && resp.Error.Message != "" {
		return resp.Error.Message
	}
	return fallback
}

// BuildGraphPayload translates an outbound message into the Graph API
// request body. Template parameters are positional: they are emitted in
// ascending numeric order of the placeholder index ({{1}}, {{2}}, ...)
// regardless of map iteration order.
func BuildGraphPayload(msg *OutboundMessage) (map[string]interface{}, error) {
	if msg.To == "" {
		return nil, fmt.Errorf("recipient phone number is empty")
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                msg.To,
	}

	if msg.TemplateName != "" {
		template := map[string]interface{}{
			"name":     msg.TemplateName,
			"language": map[string]string{"code": msg.TemplateLanguage},
		}
		params := TemplateParameters(msg.Variables)
		if len(params) > 0 {
			parameters := make([]map[string]string, 0, len(params))
			for _, value := range params {
				parameters = append(parameters, map[string]string{
					"type": "text",
					"text": value,
				})
			}
			template["components"] = []map[string]interface{}{
				{"type": "body", "parameters": parameters},
			}
		}
		payload["type"] = "template"
		payload["template"] = template
		return payload, nil
	}

	if msg.MediaURL != "" {
		mediaType := msg.MediaType
		if mediaType == "" {
			mediaType = "image"
		}
		media := map[string]string{"link": msg.MediaURL}
		if msg.Body != "" && mediaType != "audio" {
			media["caption"] = msg.Body
		}
		payload["type"] = mediaType
		payload[mediaType] = media
		return payload, nil
	}

	if msg.Body == "" {
		return nil, fmt.Errorf("message has neither template, media nor text body")
	}
	payload["type"] = "text"
	payload["text"] = map[string]interface{}{"body": msg.Body, "preview_url": false}
	return payload, nil
}

// TemplateParameters orders a recipient's variable map by numeric
// placeholder index. Keys that do not parse as integers are ignored.
func TemplateParameters(variables map[string]string) []string {
	indices := make([]int, 0, len(variables))
	byIndex := make(map[int]string, len(variables))
	for key, value := range variables {
		idx, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		indices = append(indices, idx)
		byIndex[idx] = value
	}
	sort.Ints(indices)

	params := make([]string, 0, len(indices))
	for _, idx := range indices {
		params = append(params, byIndex[idx])
	}
	return params
}
