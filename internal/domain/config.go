package domain

import "time"

type Config struct {
	FQDN          string
	JwtSecret     string
	JwtIssuer     string
	TokenTTL      time.Duration
	PostsLimit    int
	MessagesLimit int
}
