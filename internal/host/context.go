package host

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/modern-go/reflect2"
	"github.com/wnxd/modhost/host"
)

// regFields maps each Reg to its CPUContext field.
var regFields = func() []reflect2.StructField {
	typ := reflect2.TypeOf(host.CPUContext{}).(reflect2.StructType)
	if typ.NumField() != int(host.REG_ENDING) {
		panic("cpu context does not match register set")
	}
	fields := make([]reflect2.StructField, typ.NumField())
	for i := range fields {
		field := typ.Field(i)
		if field.Type().Kind() != reflect.Uint64 {
			panic("cpu context field " + field.Name() + " is not a 64-bit register")
		}
		fields[i] = field
	}
	return fields
}()

type trapContext struct {
	rt  *Rt
	cpu *host.CPUContext
}

func newTrapContext(rt *Rt, cpu *host.CPUContext) host.Context {
	return &trapContext{rt: rt, cpu: cpu}
}

func (ctx *trapContext) Runtime() host.Runtime {
	return ctx.rt
}

func (ctx *trapContext) Module() (host.Module, error) {
	return ctx.rt.FindModuleByAddr(ctx.cpu.Rip)
}

func (ctx *trapContext) PC() host.Reg {
	return host.REG_RIP
}

func (ctx *trapContext) SP() host.Reg {
	return host.REG_RSP
}

func (ctx *trapContext) reg(reg host.Reg) (*uint64, error) {
	if reg < 0 || reg >= host.REG_ENDING {
		return nil, fmt.Errorf("register %d: %w", reg, host.ErrInvalidParameter)
	}
	return (*uint64)(regFields[reg].UnsafeGet(unsafe.Pointer(ctx.cpu))), nil
}

func (ctx *trapContext) RegRead(reg host.Reg) (uint64, error) {
	p, err := ctx.reg(reg)
	if err != nil {
		return 0, err
	}
	return *p, nil
}

func (ctx *trapContext) RegWrite(reg host.Reg, value uint64) error {
	p, err := ctx.reg(reg)
	if err != nil {
		return err
	}
	*p = value
	return nil
}

func (ctx *trapContext) RegReadBatch(regs ...host.Reg) ([]uint64, error) {
	vals := make([]uint64, len(regs))
	for i, reg := range regs {
		val, err := ctx.RegRead(reg)
		if err != nil {
			return nil, err
		}
		vals[i] = val
	}
	return vals, nil
}

func (ctx *trapContext) RegWriteBatch(regs []host.Reg, vals []uint64) error {
	if len(regs) != len(vals) {
		return host.ErrInvalidParameter
	}
	for i, reg := range regs {
		if err := ctx.RegWrite(reg, vals[i]); err != nil {
			return err
		}
	}
	return nil
}
