package pipe

import (
	"context"
	"errors"
	. "testing"
	"time"

	"github.com/joomcode/errorx"
	"github.com/joomcode/redispipe/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediocregopher/sentinel"
)

func TestMapErr(t *T) {
	assert.NoError(t, mapErr(nil))

	ns := errorx.NewNamespace("pipetest")
	connErr := ns.NewType("broken", redis.ErrTraitConnectivity).New("connection reset")
	assert.ErrorIs(t, mapErr(connErr), sentinel.ErrConnectionLost)

	notSent := ns.NewType("unsent", redis.ErrTraitNotSent).New("not sent")
	assert.ErrorIs(t, mapErr(notSent), sentinel.ErrConnectionLost)

	// replies are passed through untouched
	reply := redis.ErrResult.New("ERR unknown command 'FOO'")
	assert.Equal(t, error(reply), mapErr(reply))
	assert.False(t, sentinel.IsTemporary(mapErr(reply)))

	noauth := redis.ErrResult.New("NOAUTH Authentication required.")
	assert.ErrorIs(t, mapErr(noauth), sentinel.ErrAuthentication)

	other := errors.New("something else")
	assert.Equal(t, other, mapErr(other))
	assert.ErrorIs(t, dialErr(other), sentinel.ErrConnectionLost)
	assert.ErrorIs(t, dialErr(noauth), sentinel.ErrAuthentication)
}

func TestConnOpts(t *T) {
	var o Opts
	e := sentinel.Endpoint{Host: "10.0.0.5", Port: 6379, DB: 3, Password: "pw"}
	co := o.connOpts(e, false)
	assert.Equal(t, 3, co.DB)
	assert.Equal(t, "pw", co.Password)
	assert.Equal(t, 5*time.Second, co.DialTimeout)
	assert.False(t, co.AsyncDial)
	assert.NotNil(t, co.Logger)

	o = Opts{
		DialTimeout:    time.Second,
		IOTimeout:      2 * time.Second,
		ReconnectPause: 50 * time.Millisecond,
		TCPKeepAlive:   time.Minute,
	}
	e.ConnectTimeout = 100 * time.Millisecond
	e.ReadTimeout = 300 * time.Millisecond
	e.WriteTimeout = 200 * time.Millisecond
	co = o.connOpts(e, true)
	assert.Equal(t, 100*time.Millisecond, co.DialTimeout)
	assert.Equal(t, 300*time.Millisecond, co.IOTimeout)
	assert.Equal(t, 50*time.Millisecond, co.ReconnectPause)
	assert.Equal(t, time.Minute, co.TCPKeepAlive)
	assert.True(t, co.AsyncDial)
}

func TestManagerFunc(t *T) {
	mf := ManagerFunc(Opts{})
	_, err := mf(nil, nil)
	assert.Error(t, err)

	_, err = mf([]sentinel.Endpoint{{Host: "10.0.0.5", Port: 6379, TLS: true}}, nil)
	assert.ErrorIs(t, err, sentinel.ErrInvalidConfig)
}

func TestManagerUnreachable(t *T) {
	// nothing listens on port 1
	primary := sentinel.NewEndpoint("127.0.0.1", 1)
	replicas := []sentinel.Endpoint{sentinel.NewEndpoint("127.0.0.1", 1)}

	// with or without reconnecting, an unreachable primary fails creation
	_, err := New(primary, replicas, Opts{DialTimeout: 200 * time.Millisecond})
	assert.ErrorIs(t, err, sentinel.ErrConnectionLost)
	_, err = New(primary, replicas, Opts{DialTimeout: 200 * time.Millisecond, ReconnectPause: -1})
	assert.ErrorIs(t, err, sentinel.ErrConnectionLost)

	m, err := New(primary, replicas, Opts{DialTimeout: 200 * time.Millisecond, LazyPrimary: true})
	require.NoError(t, err)
	assert.Equal(t, primary, m.Primary())
	assert.Equal(t, replicas, m.Replicas())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = m.Do(ctx, "PING")
	assert.Error(t, err)
	_, err = m.DoReadOnly(ctx, "PING")
	assert.Error(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err = m.Do(ctx, "PING")
	assert.ErrorIs(t, err, sentinel.ErrManagerClosed)
}
