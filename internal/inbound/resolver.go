package inbound

import (
	"context"
	"fmt"

	"wapipe/internal/domain"
	"wapipe/internal/phone"
)

type Resolved struct {
	Conversation domain.Conversation
	Start        *domain.Activity
	Created      bool
}

type ConversationResolver struct {
	Conversations Conversations
}

// Resolve finds the member's open conversation under any spelling of their
// number, or creates one unless the channel blocks inbound attendance.
func (r *ConversationResolver) Resolve(ctx context.Context, cfg domain.ChannelConfig, memberID, memberName string) (Resolved, error) {
	conv, ok, err := r.find(ctx, cfg.Token, memberID)
	if err != nil {
		return Resolved{}, err
	}
	if ok {
		return Resolved{Conversation: conv}, nil
	}

	if cfg.BlockInboundAttendance {
		return Resolved{}, domain.ErrBlockedInbound
	}

	// Outbound sends go to the spelling the provider reported for this member.
	conv, start, err := r.Conversations.Create(ctx, cfg.Token, memberID, memberName)
	if err != nil {
		return Resolved{}, fmt.Errorf("create conversation: %w", err)
	}
	return Resolved{Conversation: conv, Start: start, Created: true}, nil
}

func (r *ConversationResolver) find(ctx context.Context, token, memberID string) (domain.Conversation, bool, error) {
	if !phone.IsLocalMobile(memberID) {
		return r.Conversations.FindOpen(ctx, token, memberID)
	}

	variants := phone.Variants(memberID)
	for _, v := range variants {
		conv, ok, err := r.Conversations.FindOpen(ctx, token, v)
		if err != nil || ok {
			return conv, ok, err
		}
	}
	return r.Conversations.FindAnyMember(ctx, token, variants)
}
