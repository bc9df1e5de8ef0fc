package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-alerts/internal/clock"
	"whale-alerts/internal/event"
	"whale-alerts/internal/metrics"
	"whale-alerts/internal/retry"
)

const maxResponseBytes = 8 << 20

// SubgraphOptions parameterise the subgraph client.
type SubgraphOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
	Retry     retry.Policy
	Clock     clock.Clock
}

// Subgraph queries mints and burns from a Uniswap-style GraphQL endpoint.
type Subgraph struct {
	url       string
	userAgent string
	policy    retry.Policy
	clock     clock.Clock
	client    *http.Client
	logger    zerolog.Logger
}

// NewSubgraph constructs a subgraph fetcher.
func NewSubgraph(opts SubgraphOptions, logger zerolog.Logger) (*Subgraph, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("subgraph url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "whalewatch/1.0"
	}

	return &Subgraph{
		url:       url,
		userAgent: ua,
		policy:    opts.Retry.Normalize(),
		clock:     clk,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "subgraph_fetcher").Logger(),
	}, nil
}

// Fetch implements BatchFetcher. Rate limits and transport failures are
// retried with backoff; malformed responses are not.
func (s *Subgraph) Fetch(ctx context.Context, q Query) []event.Raw {
	var batch []event.Raw
	err := s.policy.Do(ctx, s.clock, func(ctx context.Context, attempt int) error {
		started := time.Now()
		events, err := s.fetchOnce(ctx, q)
		metrics.ObserveFetchDuration(string(q.Kind), time.Since(started))
		if err == nil {
			batch = events
			return nil
		}

		category := Category(err)
		if ctx.Err() != nil {
			category = CategoryCanceled
		}
		metrics.IncFetchError(category)
		s.logger.Debug().Err(err).Str("kind", string(q.Kind)).Int("attempt", attempt).Str("category", category).Msg("subgraph attempt failed")

		switch category {
		case CategoryMalformed, CategoryCanceled:
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, delay time.Duration, err error) {
		metrics.IncFetchRetries()
		s.logger.Warn().Err(err).
			Str("kind", string(q.Kind)).
			Str("category", Category(err)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("subgraph request failed, backing off")
	})
	if err != nil {
		metrics.IncFetchRequest(string(q.Kind), "failed")
		s.logger.Error().Err(err).Str("kind", string(q.Kind)).Int64("after", q.After).Str("category", Category(err)).Msg("subgraph fetch abandoned for this cycle")
		return nil
	}

	metrics.IncFetchRequest(string(q.Kind), "ok")
	return normalizeBatch(batch, q)
}

func (s *Subgraph) fetchOnce(ctx context.Context, q Query) ([]event.Raw, error) {
	entity, err := entityFor(q.Kind)
	if err != nil {
		return nil, &MalformedResponseError{Reason: "query", Err: err}
	}
	first := q.First
	if first <= 0 {
		first = 25
	}

	withMin := q.MinMagnitudeUSD.IsPositive()
	variables := map[string]any{
		"lastTimestamp": strconv.FormatInt(q.After, 10),
		"batchSize":     first,
	}
	if withMin {
		variables["minAmountUSD"] = q.MinMagnitudeUSD.String()
	}

	body, err := json.Marshal(graphQLRequest{Query: buildQuery(entity, withMin), Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal subgraph request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create subgraph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send subgraph request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read subgraph response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, strings.TrimSpace(string(payload)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	return decodeEvents(payload, q.Kind)
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data *struct {
		Events *[]subgraphEvent `json:"events"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// numeric accepts both JSON strings and numbers; subgraphs serialise BigInt as strings.
type numeric string

func (n *numeric) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = numeric(s)
		return nil
	}
	if string(b) == "null" {
		*n = ""
		return nil
	}
	*n = numeric(b)
	return nil
}

type subgraphEvent struct {
	ID          string `json:"id"`
	Transaction struct {
		ID          string  `json:"id"`
		BlockNumber numeric `json:"blockNumber"`
	} `json:"transaction"`
	Timestamp numeric `json:"timestamp"`
	Pool      struct {
		ID string `json:"id"`
	} `json:"pool"`
	Token0 struct {
		Symbol string `json:"symbol"`
	} `json:"token0"`
	Token1 struct {
		Symbol string `json:"symbol"`
	} `json:"token1"`
	Origin    string  `json:"origin"`
	Amount0   numeric `json:"amount0"`
	Amount1   numeric `json:"amount1"`
	AmountUSD numeric `json:"amountUSD"`
	LogIndex  numeric `json:"logIndex"`
}

func decodeEvents(payload []byte, kind event.Kind) ([]event.Raw, error) {
	var res graphQLResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, &MalformedResponseError{Reason: "decode json", Err: err}
	}
	if len(res.Errors) > 0 {
		msgs := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, &MalformedResponseError{Reason: "graphql errors: " + strings.Join(msgs, "; ")}
	}
	if res.Data == nil || res.Data.Events == nil {
		return nil, &MalformedResponseError{Reason: "missing data.events"}
	}

	out := make([]event.Raw, 0, len(*res.Data.Events))
	for _, item := range *res.Data.Events {
		raw, err := item.toRaw(kind)
		if err != nil {
			return nil, &MalformedResponseError{Reason: "event " + item.ID, Err: err}
		}
		out = append(out, raw)
	}
	return out, nil
}

func (e subgraphEvent) toRaw(kind event.Kind) (event.Raw, error) {
	if e.ID == "" {
		return event.Raw{}, fmt.Errorf("missing id")
	}
	ts, err := strconv.ParseInt(string(e.Timestamp), 10, 64)
	if err != nil {
		return event.Raw{}, fmt.Errorf("timestamp: %w", err)
	}
	amountUSD, err := decimal.NewFromString(string(e.AmountUSD))
	if err != nil {
		return event.Raw{}, fmt.Errorf("amountUSD: %w", err)
	}
	if amountUSD.IsNegative() {
		amountUSD = decimal.Zero
	}
	amount0, err := optionalDecimal(e.Amount0)
	if err != nil {
		return event.Raw{}, fmt.Errorf("amount0: %w", err)
	}
	amount1, err := optionalDecimal(e.Amount1)
	if err != nil {
		return event.Raw{}, fmt.Errorf("amount1: %w", err)
	}
	block, err := optionalInt(e.Transaction.BlockNumber)
	if err != nil {
		return event.Raw{}, fmt.Errorf("blockNumber: %w", err)
	}
	logIndex, err := optionalInt(e.LogIndex)
	if err != nil {
		return event.Raw{}, fmt.Errorf("logIndex: %w", err)
	}

	return event.Raw{
		ID:           e.ID,
		Timestamp:    ts,
		MagnitudeUSD: amountUSD,
		Kind:         kind,
		Pool: event.PoolRef{
			ID:     normalizeAddress(e.Pool.ID),
			Token0: e.Token0.Symbol,
			Token1: e.Token1.Symbol,
		},
		Tx: event.TxRef{
			Hash:        normalizeHash(e.Transaction.ID),
			BlockNumber: block,
		},
		Origin:   normalizeAddress(e.Origin),
		Amount0:  amount0,
		Amount1:  amount1,
		LogIndex: logIndex,
	}, nil
}

func optionalDecimal(v numeric) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(string(v))
}

func optionalInt(v numeric) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(string(v), 10, 64)
}

// normalizeHash canonicalises 32-byte hex hashes; anything else is kept as is.
func normalizeHash(s string) string {
	s = strings.TrimSpace(s)
	if len(s) != 66 || !strings.HasPrefix(strings.ToLower(s), "0x") {
		return s
	}
	if _, err := hexutil.Decode("0x" + s[2:]); err != nil {
		return s
	}
	return common.HexToHash(s).Hex()
}

func normalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return s
	}
	return common.HexToAddress(s).Hex()
}

// normalizeBatch drops anything at or before the cursor or below the
// magnitude floor and orders the rest by timestamp.
func normalizeBatch(events []event.Raw, q Query) []event.Raw {
	out := events[:0:0]
	for _, ev := range events {
		if ev.Timestamp <= q.After {
			continue
		}
		if q.MinMagnitudeUSD.IsPositive() && ev.MagnitudeUSD.LessThan(q.MinMagnitudeUSD) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func entityFor(kind event.Kind) (string, error) {
	switch kind {
	case event.Addition:
		return "mints", nil
	case event.Withdrawal:
		return "burns", nil
	}
	return "", fmt.Errorf("unsupported event kind %q", kind)
}

func buildQuery(entity string, withMin bool) string {
	var b strings.Builder
	b.WriteString("query liquidityEvents($lastTimestamp: BigInt!, $batchSize: Int!")
	if withMin {
		b.WriteString(", $minAmountUSD: BigDecimal!")
	}
	b.WriteString(") {\n  events: ")
	b.WriteString(entity)
	b.WriteString("(first: $batchSize, orderBy: timestamp, orderDirection: asc, where: {timestamp_gt: $lastTimestamp")
	if withMin {
		b.WriteString(", amountUSD_gte: $minAmountUSD")
	}
	b.WriteString(`}) {
    id
    transaction { id blockNumber }
    timestamp
    pool { id }
    token0 { symbol }
    token1 { symbol }
    origin
    amount0
    amount1
    amountUSD
    logIndex
  }
}`)
	return b.String()
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("subgraph http error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("subgraph http error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("subgraph http error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("subgraph http error (%d)", status)
}

var _ BatchFetcher = (*Subgraph)(nil)
