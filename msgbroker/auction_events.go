package msgbroker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/textileio/dutch-auction/auctioneer"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Records are encoded as protobuf Struct messages with string fields,
// so consumers can decode them without generated code.

// PublishMsgAuctionStarted publishes a message to the auction-started topic.
func PublishMsgAuctionStarted(ctx context.Context, mb MsgBroker, a *auctioneer.Auction) error {
	if a.ID == "" {
		return errors.New("auction-id is empty")
	}
	msg := &structpb.Struct{Fields: map[string]*structpb.Value{
		"operation_id":  structpb.NewStringValue(uuid.New().String()),
		"ts":            timeValue(time.Now()),
		"auction_id":    structpb.NewStringValue(string(a.ID)),
		"asset_id":      structpb.NewStringValue(a.AssetID.Hex()),
		"seller":        structpb.NewStringValue(a.Seller.Hex()),
		"initial_price": structpb.NewStringValue(a.InitialPrice.String()),
		"quantity":      structpb.NewStringValue(a.Quantity.String()),
		"duration":      structpb.NewStringValue(strconv.FormatUint(a.Duration, 10)),
		"started_at":    timeValue(a.StartedAt),
	}}
	return marshalAndPublish(ctx, mb, AuctionStartedTopic, msg)
}

// PublishMsgAuctionSettled publishes a message to the auction-settled topic.
func PublishMsgAuctionSettled(ctx context.Context, mb MsgBroker, st *auctioneer.Settlement) error {
	if st.AuctionID == "" {
		return errors.New("auction-id is empty")
	}
	msg := &structpb.Struct{Fields: map[string]*structpb.Value{
		"operation_id": structpb.NewStringValue(uuid.New().String()),
		"auction_id":   structpb.NewStringValue(string(st.AuctionID)),
		"asset_id":     structpb.NewStringValue(st.AssetID.Hex()),
		"seller":       structpb.NewStringValue(st.Seller.Hex()),
		"buyer":        structpb.NewStringValue(st.Buyer.Hex()),
		"quantity":     structpb.NewStringValue(st.Quantity.String()),
		"price_paid":   structpb.NewStringValue(st.PricePaid.String()),
		"offered":      structpb.NewStringValue(st.Offered.String()),
		"settled_at":   timeValue(st.SettledAt),
	}}
	return marshalAndPublish(ctx, mb, AuctionSettledTopic, msg)
}

func marshalAndPublish(ctx context.Context, mb MsgBroker, topic TopicName, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling %s message: %s", topic, err)
	}
	if err := mb.PublishMsg(ctx, topic, data); err != nil {
		return fmt.Errorf("publishing %s message: %s", topic, err)
	}
	return nil
}

func decodeAuctionStarted(data []byte) (OperationID, time.Time, auctioneer.Auction, error) {
	r, err := unmarshal(data)
	if err != nil {
		return "", time.Time{}, auctioneer.Auction{}, err
	}
	opID := OperationID(r.string("operation_id"))
	ts := r.time("ts")
	a := auctioneer.Auction{
		ID:           auctioneer.AuctionID(r.string("auction_id")),
		AssetID:      r.address("asset_id"),
		Seller:       r.address("seller"),
		InitialPrice: r.bigInt("initial_price"),
		Quantity:     r.bigInt("quantity"),
		Duration:     r.uint64("duration"),
		Status:       auctioneer.AuctionStatusActive,
		StartedAt:    r.time("started_at"),
	}
	if r.err != nil {
		return "", time.Time{}, auctioneer.Auction{}, r.err
	}
	return opID, ts, a, nil
}

func decodeAuctionSettled(data []byte) (OperationID, auctioneer.Settlement, error) {
	r, err := unmarshal(data)
	if err != nil {
		return "", auctioneer.Settlement{}, err
	}
	opID := OperationID(r.string("operation_id"))
	st := auctioneer.Settlement{
		AuctionID: auctioneer.AuctionID(r.string("auction_id")),
		AssetID:   r.address("asset_id"),
		Seller:    r.address("seller"),
		Buyer:     r.address("buyer"),
		Quantity:  r.bigInt("quantity"),
		PricePaid: r.bigInt("price_paid"),
		Offered:   r.bigInt("offered"),
		SettledAt: r.time("settled_at"),
	}
	if r.err != nil {
		return "", auctioneer.Settlement{}, r.err
	}
	return opID, st, nil
}

func timeValue(t time.Time) *structpb.Value {
	return structpb.NewStringValue(t.UTC().Format(time.RFC3339Nano))
}

func unmarshal(data []byte) (*fieldReader, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("unmarshaling struct: %s", err)
	}
	return &fieldReader{fields: s.Fields}, nil
}

// fieldReader reads typed values out of a Struct, keeping the first error.
type fieldReader struct {
	fields map[string]*structpb.Value
	err    error
}

func (r *fieldReader) string(k string) string {
	if r.err != nil {
		return ""
	}
	v, ok := r.fields[k]
	if !ok {
		r.err = fmt.Errorf("%s is missing", k)
		return ""
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || s.StringValue == "" {
		r.err = fmt.Errorf("%s is empty", k)
		return ""
	}
	return s.StringValue
}

func (r *fieldReader) address(k string) common.Address {
	s := r.string(k)
	if r.err != nil {
		return common.Address{}
	}
	if !common.IsHexAddress(s) {
		r.err = fmt.Errorf("%s is not an address: %s", k, s)
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func (r *fieldReader) bigInt(k string) *big.Int {
	s := r.string(k)
	if r.err != nil {
		return nil
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		r.err = fmt.Errorf("%s is not an integer: %s", k, s)
		return nil
	}
	return i
}

func (r *fieldReader) uint64(k string) uint64 {
	s := r.string(k)
	if r.err != nil {
		return 0
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		r.err = fmt.Errorf("parsing %s: %s", k, err)
		return 0
	}
	return n
}

func (r *fieldReader) time(k string) time.Time {
	s := r.string(k)
	if r.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		r.err = fmt.Errorf("parsing %s: %s", k, err)
		return time.Time{}
	}
	return t
}
