package transfer

type XTweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type XTweetRequest struct {
	Text  string       `json:"text,omitempty"`
	Media *XTweetMedia `json:"media,omitempty"`
}

type XTweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

type XMediaUploadResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type XUserResponse struct {
	Data struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"data"`
}

type XErrorResponse struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
	Status int    `json:"status"`
}

type XTweetMetricsResponse struct {
	Data struct {
		PublicMetrics struct {
			RetweetCount    int64 `json:"retweet_count"`
			ReplyCount      int64 `json:"reply_count"`
			LikeCount       int64 `json:"like_count"`
			QuoteCount      int64 `json:"quote_count"`
			BookmarkCount   int64 `json:"bookmark_count"`
			ImpressionCount int64 `json:"impression_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}
