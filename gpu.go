// gpu.go
package diffuse

import (
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

type gpuContext struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	pipeline *wgpu.ComputePipeline
	once     sync.Once
	err      error
}

var ctx gpuContext

// lincombShaderWGSL computes out = a*x + b*p + c*nz elementwise, the one
// primitive every solver update reduces to.
const lincombShaderWGSL = `
	struct Params {
		a: f32,
		b: f32,
		c: f32,
		use_noise: f32,
	}

	@group(0) @binding(0) var<uniform> params: Params;
	@group(0) @binding(1) var<storage, read> xBuf: array<f32>;
	@group(0) @binding(2) var<storage, read> pBuf: array<f32>;
	@group(0) @binding(3) var<storage, read> nBuf: array<f32>;
	@group(0) @binding(4) var<storage, read_write> outBuf: array<f32>;

	@compute @workgroup_size(256)
	fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
		let idx = gid.x;
		if (idx >= arrayLength(&xBuf)) {
			return;
		}
		var v = params.a * xBuf[idx] + params.b * pBuf[idx];
		if (params.use_noise > 0.5) {
			v += params.c * nBuf[idx];
		}
		outBuf[idx] = v;
	}
`

func ensureGPU() error {
	ctx.once.Do(func() {
		ctx.instance = wgpu.CreateInstance(nil)
		ctx.adapter, ctx.err = ctx.instance.RequestAdapter(&wgpu.RequestAdapterOptions{})
		if ctx.err != nil {
			return
		}
		ctx.device, ctx.err = ctx.adapter.RequestDevice(nil)
		if ctx.err != nil {
			return
		}
		ctx.queue = ctx.device.GetQueue()

		mod, err := ctx.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
			Label:          "lincomb_shader",
			WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: lincombShaderWGSL},
		})
		if err != nil {
			ctx.err = err
			return
		}
		defer mod.Release()

		ctx.pipeline, ctx.err = ctx.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
			Label:   "lincomb_pipeline",
			Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
		})
	})
	return ctx.err
}

func newStorageBuf(data []float32) (*wgpu.Buffer, error) {
	return ctx.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Contents: wgpu.ToBytes(data),
		Usage:    wgpu.BufferUsageStorage,
	})
}

// lincombGPU dispatches out = a*x + b*p + c*noise to the WebGPU backend.
// noise may be nil; the flag in the uniform block disables that term.
// Values round-trip through float32; callers needing exact float64 keep
// WebGPUNative off.
func lincombGPU(a float64, x *Tensor, b float64, p *Tensor, c float64, noise *Tensor) (*Tensor, error) {
	if err := ensureGPU(); err != nil {
		return nil, err
	}

	n := x.Numel()
	x32 := make([]float32, n)
	p32 := make([]float32, n)
	for i := 0; i < n; i++ {
		x32[i] = float32(x.Data[i])
		p32[i] = float32(p.Data[i])
	}
	useNoise := float32(0)
	n32 := x32 // placeholder binding when no noise term
	if noise != nil && c != 0 {
		useNoise = 1
		n32 = make([]float32, n)
		for i := 0; i < n; i++ {
			n32[i] = float32(noise.Data[i])
		}
	}

	params, err := ctx.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Contents: wgpu.ToBytes([]float32{float32(a), float32(b), float32(c), useNoise}),
		Usage:    wgpu.BufferUsageUniform,
	})
	if err != nil {
		return nil, fmt.Errorf("params buffer: %v", err)
	}
	defer params.Release()

	xBuf, err := newStorageBuf(x32)
	if err != nil {
		return nil, fmt.Errorf("x buffer: %v", err)
	}
	defer xBuf.Release()
	pBuf, err := newStorageBuf(p32)
	if err != nil {
		return nil, fmt.Errorf("p buffer: %v", err)
	}
	defer pBuf.Release()
	nBuf, err := newStorageBuf(n32)
	if err != nil {
		return nil, fmt.Errorf("noise buffer: %v", err)
	}
	defer nBuf.Release()

	size := uint64(n) * 4
	outBuf, err := ctx.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "lincomb_out",
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("output buffer: %v", err)
	}
	defer outBuf.Release()

	stagingBuf, err := ctx.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "lincomb_staging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("staging buffer: %v", err)
	}
	defer stagingBuf.Release()

	bind, err := ctx.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout: ctx.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: params, Size: params.GetSize()},
			{Binding: 1, Buffer: xBuf, Size: xBuf.GetSize()},
			{Binding: 2, Buffer: pBuf, Size: pBuf.GetSize()},
			{Binding: 3, Buffer: nBuf, Size: nBuf.GetSize()},
			{Binding: 4, Buffer: outBuf, Size: outBuf.GetSize()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bind group: %v", err)
	}
	defer bind.Release()

	enc, err := ctx.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("command encoder: %v", err)
	}
	defer enc.Release()

	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(ctx.pipeline)
	pass.SetBindGroup(0, bind, nil)
	pass.DispatchWorkgroups(uint32((n+255)/256), 1, 1)
	pass.End()

	enc.CopyBufferToBuffer(outBuf, 0, stagingBuf, 0, size)
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("encoder finish: %v", err)
	}
	ctx.queue.Submit(cmd)

	var status wgpu.BufferMapAsyncStatus
	if err := stagingBuf.MapAsync(wgpu.MapModeRead, 0, size, func(s wgpu.BufferMapAsyncStatus) {
		status = s
	}); err != nil {
		return nil, fmt.Errorf("map staging buffer: %v", err)
	}
	defer stagingBuf.Unmap()
	ctx.device.Poll(true, nil)
	if status != wgpu.BufferMapAsyncStatusSuccess {
		return nil, fmt.Errorf("buffer mapping failed with status %v", status)
	}

	raw := stagingBuf.GetMappedRange(0, uint(size))
	if raw == nil {
		return nil, fmt.Errorf("mapped range is nil")
	}
	out := NewTensor(x.Shape...)
	for i, v := range wgpu.FromBytes[float32](raw) {
		out.Data[i] = float64(v)
	}
	return out, nil
}
