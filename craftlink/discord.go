package craftlink

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// DiscordSessionHandler is the subset of the discordgo REST API used by
// Discord. *discordgo.Session implements it.
type DiscordSessionHandler interface {
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageEdit(
		channelID string,
		messageID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error
}

// Discord sends Discord REST requests through a RateLimiter. Each method
// has a default priority reflecting how urgent the call usually is, which
// can be overridden with WithPriority.
//
// Interaction responses must be sent within three seconds, so they're
// CRITICAL. Role grants are HIGH, message sends NORMAL, edits LOW and
// deletes BULK.
type Discord struct {
	session DiscordSessionHandler
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewDiscord returns a Discord backed by a new discordgo session. The
// session's HTTP client reports rate limit headers to limiter, and 429s
// are returned as errors instead of being retried by discordgo, so the
// limiter can reschedule them.
func NewDiscord(
	config *DiscordConfig,
	limiter *RateLimiter,
	client *http.Client,
	logger *slog.Logger,
) (*Discord, error) {
	if limiter == nil {
		return nil, fmt.Errorf("discord requires a rate limiter")
	}
	session, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.StateEnabled = false
	session.ShouldRetryOnRateLimit = false
	session.MaxRestRetries = config.MaxRestRetries
	session.LogLevel = discordgo.LogDebug

	if client == nil {
		client = http.DefaultClient
	}
	session.Client = &http.Client{
		Transport:     &HeaderTransport{Base: client.Transport, Limiter: limiter},
		CheckRedirect: client.CheckRedirect,
		Jar:           client.Jar,
		Timeout:       client.Timeout,
	}

	return newDiscordWithSession(session, limiter, logger), nil
}

func newDiscordWithSession(
	session DiscordSessionHandler,
	limiter *RateLimiter,
	logger *slog.Logger,
) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{session: session, limiter: limiter, logger: logger}
}

// Session returns the underlying session.
func (d *Discord) Session() DiscordSessionHandler {
	return d.session
}

func (d *Discord) InteractionRespond(
	ctx context.Context,
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	opts ...CallOption,
) error {
	route := RouteKey(
		http.MethodPost,
		discordgo.EndpointInteractionResponse(interaction.ID, interaction.Token),
	)
	opts = withDefaults(
		opts,
		WithPriority(PriorityCritical),
		WithMetadata(map[string]any{"interaction_id": interaction.ID}),
	)
	return d.exec(
		ctx, route, func(ctx context.Context) error {
			return d.session.InteractionRespond(
				interaction,
				resp,
				discordgo.WithContext(ctx),
			)
		}, opts...,
	)
}

func (d *Discord) ChannelMessageSend(
	ctx context.Context,
	channelID string,
	content string,
	opts ...CallOption,
) (*discordgo.Message, error) {
	route := RouteKey(http.MethodPost, discordgo.EndpointChannelMessages(channelID))
	opts = withDefaults(
		opts,
		WithPriority(PriorityNormal),
		WithMetadata(map[string]any{"channel_id": channelID}),
	)
	return Do(
		ctx, d.limiter, route, func(ctx context.Context) (*discordgo.Message, error) {
			return d.session.ChannelMessageSend(
				channelID,
				content,
				discordgo.WithContext(ctx),
			)
		}, opts...,
	)
}

func (d *Discord) ChannelMessageSendEmbed(
	ctx context.Context,
	channelID string,
	embed *discordgo.MessageEmbed,
	opts ...CallOption,
) (*discordgo.Message, error) {
	route := RouteKey(http.MethodPost, discordgo.EndpointChannelMessages(channelID))
	opts = withDefaults(
		opts,
		WithPriority(PriorityNormal),
		WithMetadata(map[string]any{"channel_id": channelID}),
	)
	return Do(
		ctx, d.limiter, route, func(ctx context.Context) (*discordgo.Message, error) {
			return d.session.ChannelMessageSendEmbed(
				channelID,
				embed,
				discordgo.WithContext(ctx),
			)
		}, opts...,
	)
}

func (d *Discord) ChannelMessageEdit(
	ctx context.Context,
	channelID string,
	messageID string,
	content string,
	opts ...CallOption,
) (*discordgo.Message, error) {
	route := RouteKey(
		http.MethodPatch,
		discordgo.EndpointChannelMessage(channelID, messageID),
	)
	opts = withDefaults(
		opts,
		WithPriority(PriorityLow),
		WithMetadata(
			map[string]any{
				"channel_id": channelID,
				"message_id": messageID,
			},
		),
	)
	return Do(
		ctx, d.limiter, route, func(ctx context.Context) (*discordgo.Message, error) {
			return d.session.ChannelMessageEdit(
				channelID,
				messageID,
				content,
				discordgo.WithContext(ctx),
			)
		}, opts...,
	)
}

func (d *Discord) ChannelMessageDelete(
	ctx context.Context,
	channelID string,
	messageID string,
	opts ...CallOption,
) error {
	route := RouteKey(
		http.MethodDelete,
		discordgo.EndpointChannelMessage(channelID, messageID),
	)
	opts = withDefaults(
		opts,
		WithPriority(PriorityBulk),
		WithMetadata(
			map[string]any{
				"channel_id": channelID,
				"message_id": messageID,
			},
		),
	)
	return d.exec(
		ctx, route, func(ctx context.Context) error {
			return d.session.ChannelMessageDelete(
				channelID,
				messageID,
				discordgo.WithContext(ctx),
			)
		}, opts...,
	)
}

func (d *Discord) GuildMemberRoleAdd(
	ctx context.Context,
	guildID string,
	userID string,
	roleID string,
	opts ...CallOption,
) error {
	route := RouteKey(
		http.MethodPut,
		discordgo.EndpointGuildMemberRole(guildID, userID, roleID),
	)
	opts = withDefaults(
		opts,
		WithPriority(PriorityHigh),
		WithMetadata(
			map[string]any{
				"guild_id": guildID,
				"user_id":  userID,
				"role_id":  roleID,
			},
		),
	)
	return d.exec(
		ctx, route, func(ctx context.Context) error {
			return d.session.GuildMemberRoleAdd(
				guildID,
				userID,
				roleID,
				discordgo.WithContext(ctx),
			)
		}, opts...,
	)
}

// exec runs an operation that only returns an error.
func (d *Discord) exec(
	ctx context.Context,
	route string,
	op func(ctx context.Context) error,
	opts ...CallOption,
) error {
	req := ExecuteRequest{
		Route: route,
		Operation: func(ctx context.Context) (any, error) {
			return nil, op(ctx)
		},
	}
	for _, opt := range opts {
		opt(&req)
	}
	_, err := d.limiter.Execute(ctx, req)
	if err != nil {
		loggerFromContext(ctx, d.logger).DebugContext(
			ctx,
			"discord request failed",
			"route", route,
			tint.Err(err),
		)
	}
	return err
}

// withDefaults prepends defaults to opts, so caller options win.
func withDefaults(opts []CallOption, defaults ...CallOption) []CallOption {
	return append(defaults, opts...)
}
