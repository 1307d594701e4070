package mqtt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewClients(t *testing.T) {
	cl := NewClients()
	require.NotNil(t, cl.internal)
}

func TestClientsAddGet(t *testing.T) {
	reg := NewClients()
	c1, _, _ := newTestClient()
	c1.ID = "t1"
	c1.Net.Listener = "l1"
	reg.Add(c1)

	got, ok := reg.Get("t1")
	require.True(t, ok)
	require.Equal(t, c1, got)

	_, ok = reg.Get("missing")
	require.False(t, ok)
}

func TestClientsLenAndDelete(t *testing.T) {
	reg := NewClients()
	c1, _, _ := newTestClient()
	c1.ID = "t1"
	c2, _, _ := newTestClient()
	c2.ID = "t2"
	reg.Add(c1)
	reg.Add(c2)
	require.Equal(t, 2, reg.Len())

	reg.Delete("t1")
	require.Equal(t, 1, reg.Len())
	_, ok := reg.Get("t1")
	require.False(t, ok)
}

func TestClientsGetAll(t *testing.T) {
	reg := NewClients()
	c1, _, _ := newTestClient()
	c1.ID = "t1"
	c2, _, _ := newTestClient()
	c2.ID = "t2"
	reg.Add(c1)
	reg.Add(c2)

	all := reg.GetAll()
	require.Len(t, all, 2)
}

func TestClientsGetByListener(t *testing.T) {
	reg := NewClients()
	c1, _, _ := newTestClient()
	c1.ID = "t1"
	c1.Net.Listener = "l1"
	c2, _, _ := newTestClient()
	c2.ID = "t2"
	c2.Net.Listener = "l2"
	reg.Add(c1)
	reg.Add(c2)

	only1 := reg.GetByListener("l1")
	require.Len(t, only1, 1)
	require.Equal(t, "t1", only1[0].ID)
}
