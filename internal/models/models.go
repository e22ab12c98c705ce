package models

import "time"

type User struct {
	ID                        string    `json:"id"`
	IdentitySub               string    `json:"identitySub"`
	Email                     string    `json:"email"`
	RemainingLeadFinds        int       `json:"remainingLeadFinds"`
	RemainingReplyGenerations int       `json:"remainingReplyGenerations"`
	Plan                      *string   `json:"plan,omitempty"`
	StripeCustomerID          *string   `json:"stripeCustomerId,omitempty"`
	CreatedAt                 time.Time `json:"createdAt"`
}

type Product struct {
	ID          string  `json:"id"`
	UserID      string  `json:"userId"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	// Comma-joined keyword list. The dashboard caps this at 5 keywords; the
	// server just splits on commas and trims.
	Keywords  string    `json:"keywords"`
	URL       *string   `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Lead struct {
	ID             string     `json:"id"`
	ProductID      string     `json:"productId"`
	Content        string     `json:"content"`
	URL            string     `json:"url"`
	Reply          *string    `json:"reply,omitempty"`
	AuthorName     *string    `json:"authorName,omitempty"`
	AuthorID       *string    `json:"authorId,omitempty"`
	AuthorURL      *string    `json:"authorUrl,omitempty"`
	PostedAt       *time.Time `json:"postedAt,omitempty"`
	SubredditName  *string    `json:"subredditName,omitempty"`
	SubredditURL   *string    `json:"subredditUrl,omitempty"`
	SubredditTitle *string    `json:"subredditTitle,omitempty"`
	Score          *int       `json:"score,omitempty"`
	NSFW           bool       `json:"nsfw"`
	Language       *string    `json:"language,omitempty"`
	UpvoteRatio    *float64   `json:"upvoteRatio,omitempty"`
	CommentCount   *int       `json:"commentCount,omitempty"`
	ContentType    *string    `json:"contentType,omitempty"`
	PostTitle      *string    `json:"postTitle,omitempty"`
	PostURL        *string    `json:"postUrl,omitempty"`
	IsComment      bool       `json:"isComment"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

type Subscription struct {
	ID                   string     `json:"id"`
	StripeSubscriptionID string     `json:"stripeSubscriptionId"`
	Status               string     `json:"status"`
	PlanName             string     `json:"planName"`
	PriceID              string     `json:"priceId"`
	Interval             string     `json:"interval"`
	CurrentPeriodStart   *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"currentPeriodEnd,omitempty"`
	CanceledAt           *time.Time `json:"canceledAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

type Invoice struct {
	ID              string `json:"id"`
	StripeInvoiceID string `json:"stripeInvoiceId"`
	Status          string `json:"status"`
	// The webhook writes exactly one non-zero amount: paid on success, due on
	// failure.
	AmountDue        int64     `json:"amountDue"`
	AmountPaid       int64     `json:"amountPaid"`
	Currency         string    `json:"currency"`
	HostedInvoiceURL *string   `json:"hostedInvoiceUrl"`
	CreatedAt        time.Time `json:"createdAt"`
}

type BlogPost struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Slug      string    `json:"slug"`
	Excerpt   *string   `json:"excerpt,omitempty"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	ImageURL  *string   `json:"imageUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
