package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestJSONCodecRegistered(t *testing.T) {
	codec := encoding.GetCodec(CodecName)
	require.NotNil(t, codec)

	data, err := codec.Marshal(&AddItemRequest{Item: &Item{Name: "Book", Quantity: 2}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"item":{"name":"Book","quantity":2}}`, string(data))

	var req AddItemRequest
	require.NoError(t, codec.Unmarshal(data, &req))
	assert.Equal(t, "Book", req.Item.Name)

	var empty GetItemsRequest
	assert.NoError(t, codec.Unmarshal(nil, &empty))
	assert.Error(t, codec.Unmarshal([]byte("{"), &req))
}
