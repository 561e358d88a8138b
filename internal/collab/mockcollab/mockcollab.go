// Package mockcollab provides mockgen-style mocks of internal/collab's
// trusted-collaborator interfaces, built on go.uber.org/mock/gomock, for
// driving the collector without a real managed-object runtime — this repo
// only defines the seam a runtime would attach to, not a runtime itself.
// The repo's own tests use hand-written fakes rather than these mocks.
package mockcollab

import (
	"context"
	"reflect"
	"unsafe"

	"go.uber.org/mock/gomock"

	"github.com/orizon-lang/slidingrc/internal/collab"
	"github.com/orizon-lang/slidingrc/internal/handle"
)

// MockClassMetadata is a mock of the ClassMetadata interface.
type MockClassMetadata struct {
	ctrl     *gomock.Controller
	recorder *MockClassMetadataMockRecorder
}

// MockClassMetadataMockRecorder is the mock recorder for MockClassMetadata.
type MockClassMetadataMockRecorder struct {
	mock *MockClassMetadata
}

// NewMockClassMetadata creates a new mock instance.
func NewMockClassMetadata(ctrl *gomock.Controller) *MockClassMetadata {
	mock := &MockClassMetadata{ctrl: ctrl}
	mock.recorder = &MockClassMetadataMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockClassMetadata) EXPECT() *MockClassMetadataMockRecorder {
	return m.recorder
}

// RefSlotOffsets mocks base method.
func (m *MockClassMetadata) RefSlotOffsets(layout handle.LayoutID, body unsafe.Pointer) []uintptr {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "RefSlotOffsets", layout, body)
	ret0, _ := ret[0].([]uintptr)
	return ret0
}

// RefSlotOffsets indicates an expected call of RefSlotOffsets.
func (mr *MockClassMetadataMockRecorder) RefSlotOffsets(layout, body any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "RefSlotOffsets",
		reflect.TypeOf((*MockClassMetadata)(nil).RefSlotOffsets), layout, body)
}

// ElementCount mocks base method.
func (m *MockClassMetadata) ElementCount(layout handle.LayoutID, body unsafe.Pointer) int {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ElementCount", layout, body)
	ret0, _ := ret[0].(int)
	return ret0
}

// ElementCount indicates an expected call of ElementCount.
func (mr *MockClassMetadataMockRecorder) ElementCount(layout, body any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ElementCount",
		reflect.TypeOf((*MockClassMetadata)(nil).ElementCount), layout, body)
}

// BodySize mocks base method.
func (m *MockClassMetadata) BodySize(layout handle.LayoutID) uintptr {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "BodySize", layout)
	ret0, _ := ret[0].(uintptr)
	return ret0
}

// BodySize indicates an expected call of BodySize.
func (mr *MockClassMetadataMockRecorder) BodySize(layout any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "BodySize",
		reflect.TypeOf((*MockClassMetadata)(nil).BodySize), layout)
}

// MockThreadSubsystem is a mock of the ThreadSubsystem interface.
type MockThreadSubsystem struct {
	ctrl     *gomock.Controller
	recorder *MockThreadSubsystemMockRecorder
}

// MockThreadSubsystemMockRecorder is the mock recorder for MockThreadSubsystem.
type MockThreadSubsystemMockRecorder struct {
	mock *MockThreadSubsystem
}

// NewMockThreadSubsystem creates a new mock instance.
func NewMockThreadSubsystem(ctrl *gomock.Controller) *MockThreadSubsystem {
	mock := &MockThreadSubsystem{ctrl: ctrl}
	mock.recorder = &MockThreadSubsystemMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockThreadSubsystem) EXPECT() *MockThreadSubsystemMockRecorder {
	return m.recorder
}

// Suspend mocks base method.
func (m *MockThreadSubsystem) Suspend(id collab.ThreadID) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Suspend", id)
	ret0, _ := ret[0].(error)
	return ret0
}

// Suspend indicates an expected call of Suspend.
func (mr *MockThreadSubsystemMockRecorder) Suspend(id any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Suspend",
		reflect.TypeOf((*MockThreadSubsystem)(nil).Suspend), id)
}

// Resume mocks base method.
func (m *MockThreadSubsystem) Resume(id collab.ThreadID) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Resume", id)
	ret0, _ := ret[0].(error)
	return ret0
}

// Resume indicates an expected call of Resume.
func (mr *MockThreadSubsystemMockRecorder) Resume(id any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Resume",
		reflect.TypeOf((*MockThreadSubsystem)(nil).Resume), id)
}

// CanCooperate mocks base method.
func (m *MockThreadSubsystem) CanCooperate(id collab.ThreadID) bool {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "CanCooperate", id)
	ret0, _ := ret[0].(bool)
	return ret0
}

// CanCooperate indicates an expected call of CanCooperate.
func (mr *MockThreadSubsystemMockRecorder) CanCooperate(id any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "CanCooperate",
		reflect.TypeOf((*MockThreadSubsystem)(nil).CanCooperate), id)
}

// Registers mocks base method.
func (m *MockThreadSubsystem) Registers(id collab.ThreadID) collab.RegisterSnapshot {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Registers", id)
	ret0, _ := ret[0].(collab.RegisterSnapshot)
	return ret0
}

// Registers indicates an expected call of Registers.
func (mr *MockThreadSubsystemMockRecorder) Registers(id any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Registers",
		reflect.TypeOf((*MockThreadSubsystem)(nil).Registers), id)
}

// StackRoots mocks base method.
func (m *MockThreadSubsystem) StackRoots(id collab.ThreadID) []uintptr {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "StackRoots", id)
	ret0, _ := ret[0].([]uintptr)
	return ret0
}

// StackRoots indicates an expected call of StackRoots.
func (mr *MockThreadSubsystemMockRecorder) StackRoots(id any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "StackRoots",
		reflect.TypeOf((*MockThreadSubsystem)(nil).StackRoots), id)
}

// MockRootEnumerator is a mock of the RootEnumerator interface.
type MockRootEnumerator struct {
	ctrl     *gomock.Controller
	recorder *MockRootEnumeratorMockRecorder
}

// MockRootEnumeratorMockRecorder is the mock recorder for MockRootEnumerator.
type MockRootEnumeratorMockRecorder struct {
	mock *MockRootEnumerator
}

// NewMockRootEnumerator creates a new mock instance.
func NewMockRootEnumerator(ctrl *gomock.Controller) *MockRootEnumerator {
	mock := &MockRootEnumerator{ctrl: ctrl}
	mock.recorder = &MockRootEnumeratorMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockRootEnumerator) EXPECT() *MockRootEnumeratorMockRecorder {
	return m.recorder
}

// GlobalRoots mocks base method.
func (m *MockRootEnumerator) GlobalRoots(ctx context.Context) []uintptr {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GlobalRoots", ctx)
	ret0, _ := ret[0].([]uintptr)
	return ret0
}

// GlobalRoots indicates an expected call of GlobalRoots.
func (mr *MockRootEnumeratorMockRecorder) GlobalRoots(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GlobalRoots",
		reflect.TypeOf((*MockRootEnumerator)(nil).GlobalRoots), ctx)
}

var (
	_ collab.ClassMetadata  = (*MockClassMetadata)(nil)
	_ collab.ThreadSubsystem = (*MockThreadSubsystem)(nil)
	_ collab.RootEnumerator  = (*MockRootEnumerator)(nil)
)
