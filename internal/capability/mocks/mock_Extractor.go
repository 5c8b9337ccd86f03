// Package mocks provides test doubles for the extraction capability.
package mocks

import (
	"context"

	capability "github.com/sells-group/evidence-pipeline/internal/capability"
	mock "github.com/stretchr/testify/mock"
)

// MockExtractor is a mock type for the Extractor interface.
type MockExtractor struct {
	mock.Mock
}

// Extract provides a mock function with given fields: ctx, req
func (_m *MockExtractor) Extract(ctx context.Context, req capability.Request) (*capability.Response, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Extract")
	}

	var r0 *capability.Response
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, capability.Request) (*capability.Response, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, capability.Request) *capability.Response); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*capability.Response)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, capability.Request) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockExtractor creates a new instance of MockExtractor.
func NewMockExtractor(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockExtractor {
	mock := &MockExtractor{}
	mock.Mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
