package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMethodDescriptorID(t *testing.T) {
	tests := []struct {
		name string
		desc MethodDescriptor
		want string
	}{
		{
			name: "pointer receiver",
			desc: MethodDescriptor{
				Package:         "github.com/gin-gonic/gin",
				Receiver:        &TypeDescriptor{Name: "Engine"},
				PointerReceiver: true,
				Name:            "handleHTTPRequest",
			},
			want: "github.com/gin-gonic/gin.(*Engine).handleHTTPRequest",
		},
		{
			name: "value receiver",
			desc: MethodDescriptor{Package: "example.com/shop", Receiver: &TypeDescriptor{Name: "Cart"}, Name: "Total"},
			want: "example.com/shop.Cart.Total",
		},
		{
			name: "function",
			desc: MethodDescriptor{Package: "example.com/shop", Name: "main"},
			want: "example.com/shop.main",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.desc.ID())
		})
	}
}

func TestMethodDescriptorExported(t *testing.T) {
	assert.True(t, (&MethodDescriptor{Name: "Serve"}).Exported())
	assert.False(t, (&MethodDescriptor{Name: "serve"}).Exported())
	assert.False(t, (&MethodDescriptor{}).Exported())
}
