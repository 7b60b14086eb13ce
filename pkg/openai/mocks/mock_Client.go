// Package mocks provides test doubles for the openai client.
package mocks

import (
	"context"

	openai "github.com/sells-group/pald-cli/pkg/openai"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// CreateImage provides a mock function with given fields: ctx, req
func (_m *MockClient) CreateImage(ctx context.Context, req openai.ImageRequest) (*openai.ImageResponse, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for CreateImage")
	}

	var r0 *openai.ImageResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, openai.ImageRequest) (*openai.ImageResponse, error)); ok {
		return rf(ctx, req)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*openai.ImageResponse)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// DescribeImage provides a mock function with given fields: ctx, req
func (_m *MockClient) DescribeImage(ctx context.Context, req openai.DescribeRequest) (*openai.DescribeResponse, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for DescribeImage")
	}

	var r0 *openai.DescribeResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, openai.DescribeRequest) (*openai.DescribeResponse, error)); ok {
		return rf(ctx, req)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*openai.DescribeResponse)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// NewMockClient creates a new instance of MockClient.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
