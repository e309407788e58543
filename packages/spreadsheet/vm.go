package spreadsheet

// run executes a compiled program for one cell. the result is raw: callers
// finish it the same way as interpreted results.
func (p *Program) run(frame *evalFrame) Value {
	stack := make([]Value, 0, 8)
	pop := func() Value {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}

	for pc := 0; pc < len(p.code); pc++ {
		in := p.code[pc]
		switch in.Op {
		case OpConst:
			stack = append(stack, p.consts[in.Arg])
		case OpCell:
			stack = append(stack, frame.book.valueAt(p.cells[in.Arg]))
		case OpRef:
			stack = append(stack, ReferenceValue(Reference{Range: p.refs[in.Arg]}))
		case OpUnary:
			stack = append(stack, applyUnary(UnaryOp(in.Arg), pop()))
		case OpBinary:
			right := pop()
			left := pop()
			stack = append(stack, applyBinary(BinaryOp(in.Arg), left, right))
		case OpCall:
			call := p.calls[in.Arg]
			args := make([]Value, call.argc)
			copy(args, stack[len(stack)-call.argc:])
			stack = stack[:len(stack)-call.argc]
			stack = append(stack, callFunction(frame, call.fn, call.site, args))
		case OpBranch:
			cond := toBool(pop())
			switch {
			case cond.Kind == KindError:
				stack = append(stack, cond)
				pc = int(in.Arg2) - 1
			case cond.num == 0:
				pc = int(in.Arg) - 1
			}
		case OpJump:
			pc = int(in.Arg) - 1
		}
	}
	if len(stack) == 0 {
		return Blank()
	}
	return stack[len(stack)-1]
}
