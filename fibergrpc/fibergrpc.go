// Package fibergrpc runs gRPC server handlers on fibers.
//
// The interceptors start each handler in a fiber of the configured
// fiber.Runtime and block the gRPC goroutine until it exits. When the call's
// context ends the fiber is stopped, so handlers blocked in fiber.SleepFor,
// fiber.Cond waits, or fiber.Await return fiber.ErrCancelled promptly.
//
// Stream handlers receive a grpc.ServerStream whose SendMsg and RecvMsg go
// through fiber.Await, so waiting on the peer does not hold a worker.
package fibergrpc

import (
	"context"
	"errors"

	"github.com/joeycumines/logiface"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/flare-rpc/flare-go/fiber"
)

// Interceptors holds the unary and stream server interceptors for one
// Runtime.
type Interceptors struct {
	rt     *fiber.Runtime
	attr   fiber.Attr
	logger *logiface.Logger[logiface.Event]
}

type outcome struct {
	resp any
	err  error
}

// New prepares interceptors running handlers on rt.
func New(rt *fiber.Runtime, opts ...Option) (*Interceptors, error) {
	if rt == nil {
		return nil, errors.New("fibergrpc: nil runtime")
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Interceptors{rt: rt, attr: cfg.attr, logger: cfg.logger}, nil
}

// ServerOptions returns grpc.ServerOption values installing x's
// interceptors, chained after any already configured.
func (x *Interceptors) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(x.Unary()),
		grpc.ChainStreamInterceptor(x.Stream()),
	}
}

// Unary returns the unary server interceptor.
func (x *Interceptors) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		out, err := x.run(ctx, info.FullMethod, func() outcome {
			resp, err := handler(ctx, req)
			return outcome{resp: resp, err: err}
		})
		if err != nil {
			return nil, err
		}
		return out.resp, out.err
	}
}

// Stream returns the stream server interceptor.
func (x *Interceptors) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		out, err := x.run(ss.Context(), info.FullMethod, func() outcome {
			return outcome{err: handler(srv, &stream{ServerStream: ss})}
		})
		if err != nil {
			return err
		}
		return out.err
	}
}

// run executes call in a fiber, stopping it when ctx ends. A non-nil error
// means the fiber could not run call to completion.
func (x *Interceptors) run(ctx context.Context, method string, call func() outcome) (outcome, error) {
	id, err := x.rt.StartBackground(&x.attr, func(any) any {
		out := call()
		if errors.Is(out.err, fiber.ErrCancelled) && ctx.Err() != nil {
			out.err = status.FromContextError(ctx.Err()).Err()
		}
		return out
	}, nil)
	if err != nil {
		return outcome{}, startStatus(err)
	}

	stop := context.AfterFunc(ctx, func() { _ = x.rt.Stop(id) })
	defer stop()

	v, err := x.rt.Join(id)
	if err != nil {
		var pe *fiber.PanicError
		if errors.As(err, &pe) {
			x.logger.Err().
				Str("method", method).
				Any("panic", pe.Value).
				Log("fibergrpc: handler panicked")
		}
		return outcome{}, status.Error(codes.Internal, err.Error())
	}
	return v.(outcome), nil
}

func startStatus(err error) error {
	switch {
	case errors.Is(err, fiber.ErrResourceExhausted):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, fiber.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// stream moves blocking stream I/O off the handler's worker.
type stream struct {
	grpc.ServerStream
}

func (s *stream) SendMsg(m any) error {
	return s.await(func() error { return s.ServerStream.SendMsg(m) })
}

func (s *stream) RecvMsg(m any) error {
	return s.await(func() error { return s.ServerStream.RecvMsg(m) })
}

func (s *stream) await(fn func() error) error {
	_, err := fiber.Await(s.Context(), func(context.Context) (any, error) {
		return nil, fn()
	})
	if err != nil && s.Context().Err() != nil && !isStatus(err) {
		return status.FromContextError(s.Context().Err()).Err()
	}
	return err
}

func isStatus(err error) bool {
	_, ok := status.FromError(err)
	return ok
}
