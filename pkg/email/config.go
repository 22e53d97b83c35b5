package email

// Config holds email delivery settings. Postmark tokens are optional so
// that development deployments can write mail to disk with DevSender.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	PostmarkBaseURL      string `env:"POSTMARK_BASE_URL"`
	MessageStream        string `env:"POSTMARK_MESSAGE_STREAM" envDefault:"outbound"`
	SenderEmail          string `env:"SENDER_EMAIL" envDefault:"no-reply@carebridge.health"`
	SupportEmail         string `env:"SUPPORT_EMAIL" envDefault:"support@carebridge.health"`
	DevDir               string `env:"EMAIL_DEV_DIR" envDefault:"./tmp/emails"`
}

// UsePostmark reports whether Postmark credentials are configured.
func (c Config) UsePostmark() bool {
	return c.PostmarkServerToken != ""
}
