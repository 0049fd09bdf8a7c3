package meta

// Webhook structures
type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Value webhookValue `json:"value"`
	Field string       `json:"field"`
}

type webhookValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         metadata          `json:"metadata"`
	Contacts         []webhookContact  `json:"contacts,omitempty"`
	Messages         []incomingMessage `json:"messages,omitempty"`
	Statuses         []statusUpdate    `json:"statuses,omitempty"`
	Errors           []apiError        `json:"errors,omitempty"`

	// message_template_status_update
	Event                   string `json:"event,omitempty"`
	MessageTemplateID       any    `json:"message_template_id,omitempty"`
	MessageTemplateName     string `json:"message_template_name,omitempty"`
	MessageTemplateLanguage string `json:"message_template_language,omitempty"`
	Reason                  string `json:"reason,omitempty"`
}

type metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type webhookContact struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

type incomingMessage struct {
	From        string               `json:"from"`
	ID          string               `json:"id"`
	Timestamp   string               `json:"timestamp"`
	Type        string               `json:"type"`
	Context     *messageContext      `json:"context,omitempty"`
	Text        *incomingText        `json:"text,omitempty"`
	Reaction    *incomingReaction    `json:"reaction,omitempty"`
	Button      *incomingButton      `json:"button,omitempty"`
	Interactive *incomingInteractive `json:"interactive,omitempty"`
	Image       *incomingMedia       `json:"image,omitempty"`
	Sticker     *incomingMedia       `json:"sticker,omitempty"`
	Audio       *incomingMedia       `json:"audio,omitempty"`
	Video       *incomingMedia       `json:"video,omitempty"`
	Document    *incomingMedia       `json:"document,omitempty"`
	Location    *incomingLocation    `json:"location,omitempty"`
	Contacts    []incomingContact    `json:"contacts,omitempty"`
	Errors      []apiError           `json:"errors,omitempty"`
}

type messageContext struct {
	From string `json:"from"`
	ID   string `json:"id"`
}

type incomingText struct {
	Body string `json:"body"`
}

type incomingReaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type incomingButton struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

type replyOption struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type incomingInteractive struct {
	Type        string       `json:"type"`
	ButtonReply *replyOption `json:"button_reply,omitempty"`
	ListReply   *replyOption `json:"list_reply,omitempty"`
}

type incomingMedia struct {
	ID       string `json:"id"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type"`
	Sha256   string `json:"sha256"`
}

type incomingLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type incomingContact struct {
	Name struct {
		FormattedName string `json:"formatted_name"`
	} `json:"name"`
	Phones []struct {
		Phone string `json:"phone,omitempty"`
		WaID  string `json:"wa_id,omitempty"`
	} `json:"phones,omitempty"`
}

type apiError struct {
	Code      int    `json:"code"`
	Title     string `json:"title"`
	Message   string `json:"message,omitempty"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
}

type statusUpdate struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	Timestamp    string        `json:"timestamp"`
	RecipientID  string        `json:"recipient_id"`
	Conversation *conversation `json:"conversation,omitempty"`
	Pricing      *pricing      `json:"pricing,omitempty"`
	Errors       []apiError    `json:"errors,omitempty"`
}

type conversation struct {
	ID                  string `json:"id"`
	ExpirationTimestamp any    `json:"expiration_timestamp,omitempty"`
	Origin              struct {
		Type string `json:"type"`
	} `json:"origin"`
}

type pricing struct {
	Billable     bool   `json:"billable"`
	PricingModel string `json:"pricing_model"`
	Category     string `json:"category"`
	Type         string `json:"type,omitempty"`
}

// Outbound structures
type outboundMessage struct {
	MessagingProduct string            `json:"messaging_product"`
	RecipientType    string            `json:"recipient_type"`
	To               string            `json:"to"`
	Type             string            `json:"type"`
	Text             *outboundText     `json:"text,omitempty"`
	Image            *outboundMedia    `json:"image,omitempty"`
	Audio            *outboundMedia    `json:"audio,omitempty"`
	Video            *outboundMedia    `json:"video,omitempty"`
	Document         *outboundMedia    `json:"document,omitempty"`
	Sticker          *outboundMedia    `json:"sticker,omitempty"`
	Template         *outboundTemplate `json:"template,omitempty"`
}

type outboundText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type outboundMedia struct {
	Link     string `json:"link"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type outboundTemplate struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Parameters []templateParameter `json:"parameters"`
}

type templateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sendResponse struct {
	Contacts []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}
